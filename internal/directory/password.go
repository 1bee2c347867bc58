package directory

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/json"

	"golang.org/x/crypto/argon2"
)

// Argon2Params is stored alongside the hash so verification always uses the
// cost the hash was derived with.
type Argon2Params struct {
	Time    uint32 `json:"t"`
	Memory  uint32 `json:"m"`
	Threads uint8  `json:"p"`
	KeyLen  uint32 `json:"k"`
	SaltLen uint32 `json:"s"`
}

type passwordHasher struct {
	algoName string
	cur      Argon2Params
}

func newPasswordHasher() *passwordHasher {
	return &passwordHasher{
		algoName: "argon2id",
		cur: Argon2Params{
			Time:    3,
			Memory:  64 * 1024,
			Threads: 1,
			KeyLen:  32,
			SaltLen: 16,
		},
	}
}

func (p *passwordHasher) hash(password string) (hash, salt, paramsJSON []byte, algo string, err error) {
	salt = make([]byte, p.cur.SaltLen)
	if _, err = rand.Read(salt); err != nil {
		return nil, nil, nil, "", err
	}
	hash = argon2.IDKey([]byte(password), salt, p.cur.Time, p.cur.Memory, p.cur.Threads, p.cur.KeyLen)
	paramsJSON, err = json.Marshal(p.cur)
	if err != nil {
		return nil, nil, nil, "", err
	}
	return hash, salt, paramsJSON, p.algoName, nil
}

func (p *passwordHasher) verify(password string, algo string, hash, salt, paramsJSON []byte) bool {
	if algo != p.algoName {
		return false
	}
	var stored Argon2Params
	if err := json.Unmarshal(paramsJSON, &stored); err != nil {
		return false
	}
	calculated := argon2.IDKey([]byte(password), salt, stored.Time, stored.Memory, stored.Threads, stored.KeyLen)
	return subtle.ConstantTimeCompare(calculated, hash) == 1
}
