// Package password はパスワードのハッシュ化と検証を提供します。
//
// bcrypt と argon2id の両方に対応し、検証時は保存済みハッシュの形式から
// アルゴリズムを判定します。ハッシュ計算は CPU を占有するため、
// 同時実行数をセマフォで制限しています。
package password

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"runtime"
	"strconv"
	"strings"
	"sync"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/sync/semaphore"
)

const (
	AlgorithmBcrypt   = "bcrypt"
	AlgorithmArgon2id = "argon2id"
)

var (
	// ErrTooLong はアルゴリズムが扱えない長さのパスワードです。
	ErrTooLong = errors.New("password: too long")
	// ErrUnknownFormat は判別できないハッシュ形式です。
	ErrUnknownFormat = errors.New("password: unknown hash format")
)

// Hasher はパスワードの一方向ハッシュと検証を行います。
type Hasher interface {
	Hash(ctx context.Context, plain string) (string, error)
	Verify(ctx context.Context, encoded, plain string) (bool, error)
}

// Argon2Params は argon2id のパラメータです。
type Argon2Params struct {
	Memory      uint32 // KiB
	Time        uint32
	Parallelism uint8
	SaltLength  uint32
	KeyLength   uint32
}

// DefaultArgon2Params は argon2id の既定パラメータです。
var DefaultArgon2Params = Argon2Params{
	Memory:      64 * 1024,
	Time:        3,
	Parallelism: 2,
	SaltLength:  16,
	KeyLength:   32,
}

// Options は Service の設定です。
type Options struct {
	Algorithm   string
	BcryptCost  int
	Argon2      Argon2Params
	Concurrency int // 0 以下なら CPU 数
}

// Service は Hasher の実装です。
type Service struct {
	algorithm  string
	bcryptCost int
	argon2     Argon2Params
	sem        *semaphore.Weighted

	dummyOnce sync.Once
	dummy     string
	dummyErr  error
}

// NewService は Service を作成します。
func NewService(opts Options) (*Service, error) {
	algorithm := opts.Algorithm
	if algorithm == "" {
		algorithm = AlgorithmBcrypt
	}
	if algorithm != AlgorithmBcrypt && algorithm != AlgorithmArgon2id {
		return nil, fmt.Errorf("password: unsupported algorithm %q", algorithm)
	}

	cost := opts.BcryptCost
	if cost == 0 {
		cost = bcrypt.DefaultCost
	}
	if cost < bcrypt.MinCost || cost > bcrypt.MaxCost {
		return nil, fmt.Errorf("password: bcrypt cost %d out of range", cost)
	}

	params := opts.Argon2
	if params == (Argon2Params{}) {
		params = DefaultArgon2Params
	}

	concurrency := opts.Concurrency
	if concurrency <= 0 {
		concurrency = runtime.NumCPU()
	}

	return &Service{
		algorithm:  algorithm,
		bcryptCost: cost,
		argon2:     params,
		sem:        semaphore.NewWeighted(int64(concurrency)),
	}, nil
}

// Hash は設定されたアルゴリズムでパスワードをハッシュ化します。
func (s *Service) Hash(ctx context.Context, plain string) (string, error) {
	if err := s.sem.Acquire(ctx, 1); err != nil {
		return "", err
	}
	defer s.sem.Release(1)

	if s.algorithm == AlgorithmArgon2id {
		return s.hashArgon2(plain)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(plain), s.bcryptCost)
	if err != nil {
		if errors.Is(err, bcrypt.ErrPasswordTooLong) {
			return "", ErrTooLong
		}
		return "", fmt.Errorf("bcrypt: %w", err)
	}
	return string(hash), nil
}

// Verify はパスワードがハッシュと一致するかを検証します。
// 不一致は (false, nil) を返し、ハッシュが壊れている場合のみエラーを返します。
func (s *Service) Verify(ctx context.Context, encoded, plain string) (bool, error) {
	if err := s.sem.Acquire(ctx, 1); err != nil {
		return false, err
	}
	defer s.sem.Release(1)

	switch {
	case strings.HasPrefix(encoded, "$argon2id$"):
		return verifyArgon2(encoded, plain)
	case strings.HasPrefix(encoded, "$2"):
		err := bcrypt.CompareHashAndPassword([]byte(encoded), []byte(plain))
		if err == nil {
			return true, nil
		}
		if errors.Is(err, bcrypt.ErrMismatchedHashAndPassword) || errors.Is(err, bcrypt.ErrPasswordTooLong) {
			return false, nil
		}
		return false, fmt.Errorf("bcrypt: %w", err)
	default:
		return false, ErrUnknownFormat
	}
}

// VerifyDummy は存在しないアカウントに対しても同じ検証コストを払うための関数です。
// 結果は常に false です。
func (s *Service) VerifyDummy(ctx context.Context, plain string) error {
	s.dummyOnce.Do(func() {
		s.dummy, s.dummyErr = s.Hash(context.Background(), "dummy-password-for-timing")
	})
	if s.dummyErr != nil {
		return s.dummyErr
	}
	_, err := s.Verify(ctx, s.dummy, plain)
	return err
}

func (s *Service) hashArgon2(plain string) (string, error) {
	salt := make([]byte, s.argon2.SaltLength)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("argon2 salt: %w", err)
	}
	p := s.argon2
	key := argon2.IDKey([]byte(plain), salt, p.Time, p.Memory, p.Parallelism, p.KeyLength)

	b64 := base64.RawStdEncoding
	return fmt.Sprintf("$argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2.Version, p.Memory, p.Time, p.Parallelism,
		b64.EncodeToString(salt), b64.EncodeToString(key)), nil
}

// verifyArgon2 は PHC 形式 ($argon2id$v=19$m=..,t=..,p=..$salt$hash) を検証します。
func verifyArgon2(encoded, plain string) (bool, error) {
	parts := strings.Split(encoded, "$")
	if len(parts) != 6 {
		return false, ErrUnknownFormat
	}
	if parts[2] != "v="+strconv.Itoa(argon2.Version) {
		return false, ErrUnknownFormat
	}

	var memory, time uint32
	var parallelism uint8
	if _, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &memory, &time, &parallelism); err != nil {
		return false, ErrUnknownFormat
	}
	if time == 0 || parallelism == 0 {
		return false, ErrUnknownFormat
	}

	b64 := base64.RawStdEncoding
	salt, err := b64.DecodeString(parts[4])
	if err != nil {
		return false, ErrUnknownFormat
	}
	want, err := b64.DecodeString(parts[5])
	if err != nil || len(want) == 0 {
		return false, ErrUnknownFormat
	}

	got := argon2.IDKey([]byte(plain), salt, time, memory, parallelism, uint32(len(want)))
	return subtle.ConstantTimeCompare(got, want) == 1, nil
}
