package cache

import (
	"encoding/binary"
	"errors"
	"math"
	"time"
)

// Config contains persistent cache configuration
type Config struct {
	// Path locates the durable store on disk.
	Path string `yaml:"path" mapstructure:"path"`
	// SchemaVersion invalidates every entry when bumped.
	SchemaVersion int `yaml:"schema_version" mapstructure:"schema_version"`
	// RedisURL enables the optional hot tier when set.
	RedisURL string        `yaml:"redis_url" mapstructure:"redis_url"`
	RedisTTL time.Duration `yaml:"redis_ttl" mapstructure:"redis_ttl"`
}

// Stats represents cache performance statistics
type Stats struct {
	Hits    int64   `json:"hits"`
	Misses  int64   `json:"misses"`
	HitRate float64 `json:"hit_rate"`
}

// encodeVector packs a float32 vector as little-endian bytes.
func encodeVector(v []float32) []byte {
	buf := make([]byte, 4*len(v))
	for i, x := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(x))
	}
	return buf
}

// decodeVector unpacks a little-endian float32 blob. A blob whose
// length is not a multiple of four is a partial write and is rejected.
func decodeVector(buf []byte) ([]float32, error) {
	if len(buf)%4 != 0 {
		return nil, errors.New("truncated vector blob")
	}
	v := make([]float32, len(buf)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[i*4:]))
	}
	return v, nil
}
