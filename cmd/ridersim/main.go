// Command ridersim runs the device-side pipeline against a live server with
// a simulated GPS source. Useful for demos and for exercising ingest end to
// end without a phone.
package main

import (
	"context"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"backend-riderpos/internal/agent"
	"backend-riderpos/internal/agent/sampler"
	"backend-riderpos/internal/agent/source"
	"backend-riderpos/internal/agent/uploader"

	"github.com/rs/zerolog"
	"github.com/spf13/viper"
)

type simConfig struct {
	ServerURL  string  `mapstructure:"SIM_SERVER_URL"`
	Token      string  `mapstructure:"SIM_TOKEN"`
	RiderID    string  `mapstructure:"SIM_RIDER_ID"`
	BufferDir  string  `mapstructure:"SIM_BUFFER_DIR"`
	StartLat   float64 `mapstructure:"SIM_START_LAT"`
	StartLon   float64 `mapstructure:"SIM_START_LON"`
	IntervalMS int     `mapstructure:"SIM_INTERVAL_MS"`
}

func loadSimConfig() simConfig {
	viper.AutomaticEnv()
	viper.SetDefault("SIM_SERVER_URL", "http://localhost:8080")
	viper.SetDefault("SIM_RIDER_ID", "sim-rider")
	viper.SetDefault("SIM_BUFFER_DIR", os.TempDir())
	viper.SetDefault("SIM_START_LAT", -6.2088)
	viper.SetDefault("SIM_START_LON", 106.8456)
	viper.SetDefault("SIM_INTERVAL_MS", 1000)

	var cfg simConfig
	_ = viper.Unmarshal(&cfg)
	return cfg
}

func main() {
	cfg := loadSimConfig()
	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()

	src := source.NewSim(cfg.StartLat, cfg.StartLon, time.Duration(cfg.IntervalMS)*time.Millisecond)
	client := uploader.NewHTTPClient(cfg.ServerURL, cfg.Token)

	mgr := agent.NewManager()
	sess, err := mgr.Start(context.Background(), agent.Config{
		RiderID:    cfg.RiderID,
		BufferPath: filepath.Join(cfg.BufferDir, "ridersim-"+cfg.RiderID+".db"),
		Sampler:    sampler.DefaultConfig(),
		Uploader:   uploader.DefaultConfig(),
		Logger:     log,
	}, src, client)
	if err != nil {
		log.Fatal().Err(err).Msg("could not start tracking session")
	}
	log.Info().Str("session_id", sess.ID).Str("server", cfg.ServerURL).Msg("simulated rider on the road")

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)

	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-signals:
			sess.Stop()
			// give the final flush a moment before the process exits
			deadline := time.Now().Add(12 * time.Second)
			for sess.State() != agent.StateStopped && time.Now().Before(deadline) {
				time.Sleep(100 * time.Millisecond)
			}
			stats := sess.Stats()
			log.Info().
				Int("buffered", stats.BufferSize).
				Int64("dropped_by_buffer", stats.DroppedByBuffer).
				Int64("dropped_poison", stats.DroppedPoison).
				Msg("simulated rider stopped")
			return
		case <-ticker.C:
			stats := sess.Stats()
			log.Info().Int("buffered", stats.BufferSize).Msg("pipeline heartbeat")
		}
	}
}
