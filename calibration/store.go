package calibration

import (
	"context"

	"github.com/CK6170/AnalogShield-go/file"
	"github.com/CK6170/AnalogShield-go/models"
	"github.com/sirupsen/logrus"
)

// OpenStore returns the Redis store when cfg.REDIS is set and the JSON file
// store at cfg.PATH otherwise. The close func is never nil.
func OpenStore(ctx context.Context, cfg *models.CALCONFIG, log logrus.FieldLogger) (Store, func() error, error) {
	if cfg != nil && cfg.REDIS != nil && cfg.REDIS.ADDR != "" {
		rs, err := NewRedisStore(ctx, cfg.REDIS, log)
		if err != nil {
			return nil, nil, err
		}
		return rs, rs.Close, nil
	}
	path := "calibration.json"
	if cfg != nil && cfg.PATH != "" {
		path = cfg.PATH
	}
	return file.NewStore(path), func() error { return nil }, nil
}
