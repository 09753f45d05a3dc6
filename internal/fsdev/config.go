package fsdev

import (
	"errors"
	"fmt"
	"math/bits"
	"os"

	"gopkg.in/yaml.v3"
)

// virtio-fs config space layout. See linux/include/uapi/linux/virtio_fs.h
//
//	struct virtio_fs_config {
//	    char tag[36];
//	    __le32 num_request_queues;
//	};
const (
	TagSize      = 36
	MaxQueueSize = 1024

	defaultNumRequestQueues = 1
	defaultQueueSize        = 128
)

var ErrConfig = errors.New("vhost-fs: invalid configuration")

type Config struct {
	// Tag is the mount tag the guest uses to identify this filesystem.
	Tag string `yaml:"tag"`

	// NumRequestQueues is the request queue count, not counting the hiprio
	// queue. Zero means one.
	NumRequestQueues uint16 `yaml:"num_request_queues"`

	// QueueSize is the depth of every queue. Zero means 128.
	QueueSize uint16 `yaml:"queue_size"`

	// CacheSize is the DAX cache window size in bytes. Zero disables the
	// window; otherwise it must be a power of 2 no smaller than the host
	// page size.
	CacheSize uint64 `yaml:"cache_size"`
}

func (c *Config) normalize() {
	if c.NumRequestQueues == 0 {
		c.NumRequestQueues = defaultNumRequestQueues
	}
	if c.QueueSize == 0 {
		c.QueueSize = defaultQueueSize
	}
}

func (c *Config) validate(pageSize uint64) error {
	if c.Tag == "" {
		return fmt.Errorf("%w: tag must not be empty", ErrConfig)
	}
	if len(c.Tag) > TagSize {
		return fmt.Errorf("%w: tag %q longer than %d bytes", ErrConfig, c.Tag, TagSize)
	}
	if !isPow2(uint64(c.QueueSize)) {
		return fmt.Errorf("%w: queue size %d is not a power of 2", ErrConfig, c.QueueSize)
	}
	if c.QueueSize > MaxQueueSize {
		return fmt.Errorf("%w: queue size %d exceeds %d", ErrConfig, c.QueueSize, MaxQueueSize)
	}
	if c.CacheSize != 0 && (!isPow2(c.CacheSize) || c.CacheSize < pageSize) {
		return fmt.Errorf("%w: cache size %d must be a power of 2 no smaller than the page size", ErrConfig, c.CacheSize)
	}
	return nil
}

func isPow2(v uint64) bool {
	return bits.OnesCount64(v) == 1
}

// LoadConfig reads a device configuration from a YAML file, fills in
// defaults, and validates it.
func LoadConfig(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("vhost-fs: parse config: %w", err)
	}
	cfg.normalize()
	if err := cfg.validate(uint64(os.Getpagesize())); err != nil {
		return nil, err
	}
	return &cfg, nil
}
