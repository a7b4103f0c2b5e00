package pingate

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/pbkdf2"
)

const (
	AlgorithmPBKDF2SHA256 = "pbkdf2-sha256"
	AlgorithmArgon2id     = "argon2id"

	DefaultPBKDF2Iterations = 120_000
	MinPBKDF2Iterations     = 10_000
	DefaultArgon2Time       = 2
	DefaultArgon2MemoryKiB  = 19 * 1024
	DefaultArgon2Threads    = 1
	DefaultSaltLength       = 32
	MinSaltLength           = 32
	DefaultKeyLength        = 32
	MinKeyLength            = 32
)

// Upper bounds applied when parsing stored parameters, so a tampered row
// cannot make a single verification run for minutes.
const (
	maxStoredIterations = 10_000_000
	maxStoredMemoryKiB  = 1 << 20
	maxStoredTime       = 64
)

type HasherConfig struct {
	Algorithm           string
	Iterations          int
	Argon2Time          uint32
	Argon2MemoryKiB     uint32
	Argon2Threads       uint8
	SaltLength          int
	KeyLength           int
	AllowWeakParameters bool
}

func DefaultHasherConfig() HasherConfig {
	return HasherConfig{
		Algorithm:       AlgorithmPBKDF2SHA256,
		Iterations:      DefaultPBKDF2Iterations,
		Argon2Time:      DefaultArgon2Time,
		Argon2MemoryKiB: DefaultArgon2MemoryKiB,
		Argon2Threads:   DefaultArgon2Threads,
		SaltLength:      DefaultSaltLength,
		KeyLength:       DefaultKeyLength,
	}
}

// Digest is the stored form of a secret. Algorithm carries the KDF name and
// cost parameters, e.g. "pbkdf2-sha256$i=120000" or "argon2id$v=19$m=19456,t=2,p=1".
type Digest struct {
	Algorithm string
	Hash      []byte
	Salt      []byte
}

// SecretHasher is the hashing contract the service depends on. Inspect
// reports ErrStorageCorruption for a digest Verify could never accept.
type SecretHasher interface {
	Hash(secret []byte) (Digest, error)
	Verify(secret []byte, digest Digest) (bool, error)
	Inspect(digest Digest) error
}

type Hasher struct {
	cfg       HasherConfig
	algorithm string
}

func NewHasher(cfg HasherConfig) (*Hasher, error) {
	defaults := DefaultHasherConfig()
	if cfg.Algorithm == "" {
		cfg.Algorithm = defaults.Algorithm
	}
	if cfg.SaltLength <= 0 {
		cfg.SaltLength = defaults.SaltLength
	}
	if cfg.KeyLength <= 0 {
		cfg.KeyLength = defaults.KeyLength
	}

	var encoded string
	switch cfg.Algorithm {
	case AlgorithmPBKDF2SHA256:
		if cfg.Iterations <= 0 {
			cfg.Iterations = defaults.Iterations
		}
		if cfg.Iterations < MinPBKDF2Iterations && !cfg.AllowWeakParameters {
			return nil, fmt.Errorf("%w: pbkdf2 iterations %d < %d", ErrWeakConfiguration, cfg.Iterations, MinPBKDF2Iterations)
		}
		encoded = fmt.Sprintf("%s$i=%d", AlgorithmPBKDF2SHA256, cfg.Iterations)
	case AlgorithmArgon2id:
		if cfg.Argon2Time == 0 {
			cfg.Argon2Time = defaults.Argon2Time
		}
		if cfg.Argon2MemoryKiB == 0 {
			cfg.Argon2MemoryKiB = defaults.Argon2MemoryKiB
		}
		if cfg.Argon2Threads == 0 {
			cfg.Argon2Threads = defaults.Argon2Threads
		}
		encoded = fmt.Sprintf("%s$v=%d$m=%d,t=%d,p=%d", AlgorithmArgon2id, argon2.Version, cfg.Argon2MemoryKiB, cfg.Argon2Time, cfg.Argon2Threads)
	default:
		return nil, fmt.Errorf("unsupported hash algorithm: %s", cfg.Algorithm)
	}

	if !cfg.AllowWeakParameters {
		if cfg.SaltLength < MinSaltLength {
			return nil, fmt.Errorf("%w: salt length %d < %d", ErrWeakConfiguration, cfg.SaltLength, MinSaltLength)
		}
		if cfg.KeyLength < MinKeyLength {
			return nil, fmt.Errorf("%w: key length %d < %d", ErrWeakConfiguration, cfg.KeyLength, MinKeyLength)
		}
	}

	return &Hasher{cfg: cfg, algorithm: encoded}, nil
}

// Algorithm returns the encoded parameters new digests are written with.
func (h *Hasher) Algorithm() string {
	return h.algorithm
}

func (h *Hasher) Hash(secret []byte) (Digest, error) {
	salt := make([]byte, h.cfg.SaltLength)
	if _, err := rand.Read(salt); err != nil {
		return Digest{}, fmt.Errorf("generate salt: %w", err)
	}

	params, err := parseAlgorithm(h.algorithm)
	if err != nil {
		return Digest{}, err
	}

	return Digest{
		Algorithm: h.algorithm,
		Hash:      params.derive(secret, salt, h.cfg.KeyLength),
		Salt:      salt,
	}, nil
}

// Verify recomputes the digest with the stored salt and parameters. A wrong
// secret yields false with a nil error; unreadable stored material yields
// ErrStorageCorruption.
func (h *Hasher) Verify(secret []byte, digest Digest) (bool, error) {
	params, err := h.inspect(digest)
	if err != nil {
		return false, err
	}

	computed := params.derive(secret, digest.Salt, len(digest.Hash))
	return subtle.ConstantTimeCompare(computed, digest.Hash) == 1, nil
}

func (h *Hasher) Inspect(digest Digest) error {
	_, err := h.inspect(digest)
	return err
}

// inspect rejects stored salts and keys below the minimum lengths unless
// weak parameters are allowed. Empty material is always rejected.
func (h *Hasher) inspect(digest Digest) (kdfParams, error) {
	if len(digest.Salt) == 0 || len(digest.Hash) == 0 {
		return kdfParams{}, fmt.Errorf("%w: empty hash or salt", ErrStorageCorruption)
	}
	if !h.cfg.AllowWeakParameters {
		if len(digest.Salt) < MinSaltLength {
			return kdfParams{}, fmt.Errorf("%w: salt length %d < %d", ErrStorageCorruption, len(digest.Salt), MinSaltLength)
		}
		if len(digest.Hash) < MinKeyLength {
			return kdfParams{}, fmt.Errorf("%w: hash length %d < %d", ErrStorageCorruption, len(digest.Hash), MinKeyLength)
		}
	}
	return parseAlgorithm(digest.Algorithm)
}

type kdfParams struct {
	name       string
	iterations int
	memory     uint32
	time       uint32
	threads    uint8
}

func (p kdfParams) derive(secret, salt []byte, keyLength int) []byte {
	switch p.name {
	case AlgorithmArgon2id:
		return argon2.IDKey(secret, salt, p.time, p.memory, p.threads, uint32(keyLength))
	default:
		return pbkdf2.Key(secret, salt, p.iterations, keyLength, sha256.New)
	}
}

func parseAlgorithm(encoded string) (kdfParams, error) {
	parts := strings.Split(encoded, "$")
	switch parts[0] {
	case AlgorithmPBKDF2SHA256:
		if len(parts) != 2 || !strings.HasPrefix(parts[1], "i=") {
			return kdfParams{}, corruptAlgorithm(encoded)
		}
		iterations, err := strconv.Atoi(strings.TrimPrefix(parts[1], "i="))
		if err != nil || iterations <= 0 || iterations > maxStoredIterations {
			return kdfParams{}, corruptAlgorithm(encoded)
		}
		return kdfParams{name: AlgorithmPBKDF2SHA256, iterations: iterations}, nil
	case AlgorithmArgon2id:
		if len(parts) != 3 || parts[1] != fmt.Sprintf("v=%d", argon2.Version) {
			return kdfParams{}, corruptAlgorithm(encoded)
		}
		var memory, timeCost uint32
		var threads uint8
		if _, err := fmt.Sscanf(parts[2], "m=%d,t=%d,p=%d", &memory, &timeCost, &threads); err != nil {
			return kdfParams{}, corruptAlgorithm(encoded)
		}
		if memory == 0 || memory > maxStoredMemoryKiB || timeCost == 0 || timeCost > maxStoredTime || threads == 0 {
			return kdfParams{}, corruptAlgorithm(encoded)
		}
		return kdfParams{name: AlgorithmArgon2id, memory: memory, time: timeCost, threads: threads}, nil
	default:
		return kdfParams{}, corruptAlgorithm(encoded)
	}
}

func corruptAlgorithm(encoded string) error {
	return fmt.Errorf("%w: unrecognised hash parameters %q", ErrStorageCorruption, encoded)
}
