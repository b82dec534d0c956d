package redismanager

import (
	"context"
	"crypto/rand"
	"crypto/sha1"
	"encoding/base64"
	"errors"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const leasePrefix = "koktohay:lease:image:"

// ErrBusy means another delivery of the same image holds the lease.
var ErrBusy = errors.New("image is being processed")

// compare-and-delete, so an expired holder cannot drop a lease it no
// longer owns
var release = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

type Source interface {
	Get() redis.UniversalClient
}

// Manager hands out per-image processing leases.
type Manager struct {
	client Source
	ttl    time.Duration
}

func NewManager(src Source, ttl time.Duration) *Manager {
	return &Manager{
		client: src,
		ttl:    ttl,
	}
}

// Acquire takes the lease for imageID. The returned func releases it and is
// safe to call after the lease expired.
func (m *Manager) Acquire(ctx context.Context, imageID int64) (func(context.Context), error) {
	key := leasePrefix + strconv.FormatInt(imageID, 10)
	token := GenerateHash()

	ok, err := m.client.Get().SetNX(ctx, key, token, m.ttl).Result()
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrBusy
	}

	return func(ctx context.Context) {
		_ = release.Run(ctx, m.client.Get(), []string{key}, token).Err()
	}, nil
}

func GenerateHash() string {
	var seed [16]byte
	_, _ = rand.Read(seed[:])

	str := strconv.FormatInt(time.Now().UnixNano(), 10) + string(seed[:])
	in := sha1.Sum([]byte(str))

	return base64.StdEncoding.EncodeToString(in[:])
}
