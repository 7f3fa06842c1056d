package config_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/okian/slotrank/internal/config"
	"github.com/smartystreets/goconvey/convey"
)

func TestConfig_New(t *testing.T) {
	convey.Convey("Given a new config with default options", t, func() {
		cfg := config.New(context.Background())

		convey.Convey("Then it should have sensible defaults", func() {
			convey.So(cfg.Addr, convey.ShouldEqual, ":9080")
			convey.So(cfg.StoreDriver, convey.ShouldEqual, config.StoreMemory)
			convey.So(cfg.CacheDriver, convey.ShouldEqual, config.CacheMemory)
			convey.So(cfg.RedisKey, convey.ShouldEqual, "gpu_leaderboard")
			convey.So(cfg.SlotDuration(), convey.ShouldEqual, 24*time.Hour)
			convey.So(cfg.LockTimeout(), convey.ShouldEqual, 5*time.Second)
			convey.So(cfg.ConnMaxLifetime(), convey.ShouldEqual, 30*time.Minute)
			convey.So(cfg.SweepInterval(), convey.ShouldEqual, 0)
			convey.So(cfg.AllocationPolicy, convey.ShouldEqual, config.PolicyTopOfCache)
			convey.So(cfg.AllocateOnRead, convey.ShouldBeFalse)
			convey.So(cfg.DefaultLeaderboardLimit, convey.ShouldEqual, 10)
			convey.So(cfg.MetricsEnabled, convey.ShouldBeTrue)
			convey.So(cfg.MetricsRefresh(), convey.ShouldEqual, 5*time.Second)
			convey.So(cfg.Validate(), convey.ShouldBeNil)
		})
	})
}

func TestConfig_Validate(t *testing.T) {
	convey.Convey("Given a valid default config", t, func() {
		cfg := config.New(context.Background())

		cases := []struct {
			name   string
			mutate func(c *config.Config)
		}{
			{"empty addr", func(c *config.Config) { c.Addr = "" }},
			{"unknown store driver", func(c *config.Config) { c.StoreDriver = "oracle" }},
			{"sqlite without dsn", func(c *config.Config) { c.StoreDriver = config.StoreSQLite }},
			{"postgres without dsn", func(c *config.Config) { c.StoreDriver = config.StorePostgres }},
			{"unknown cache driver", func(c *config.Config) { c.CacheDriver = "memcached" }},
			{"redis without addr", func(c *config.Config) { c.CacheDriver = config.CacheRedis; c.RedisAddr = "" }},
			{"unknown policy", func(c *config.Config) { c.AllocationPolicy = "random" }},
			{"zero slot duration", func(c *config.Config) { c.SlotDurationSec = 0 }},
			{"zero lock timeout", func(c *config.Config) { c.LockTimeoutMS = 0 }},
			{"negative sweep interval", func(c *config.Config) { c.SweepIntervalSec = -1 }},
			{"default above max limit", func(c *config.Config) { c.DefaultLeaderboardLimit = 500 }},
			{"no repair workers", func(c *config.Config) { c.RepairWorkers = 0 }},
			{"zero metrics refresh", func(c *config.Config) { c.MetricsRefreshSec = 0 }},
		}

		for _, tc := range cases {
			convey.Convey("When it has "+tc.name, func() {
				c := *cfg
				tc.mutate(&c)

				convey.Convey("Then validation fails with ErrInvalidConfig", func() {
					err := c.Validate()
					convey.So(err, convey.ShouldNotBeNil)
					convey.So(errors.Is(err, config.ErrInvalidConfig), convey.ShouldBeTrue)
				})
			})
		}

		convey.Convey("When a sqlite driver has a dsn", func() {
			c := *cfg
			c.StoreDriver = config.StoreSQLite
			c.StoreDSN = "/tmp/slotrank.db"

			convey.So(c.Validate(), convey.ShouldBeNil)
		})
	})
}
