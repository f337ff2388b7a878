package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

type HTTPConfig struct {
	Host string
	Port int
}

type DBConfig struct {
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// ControlConfig holds the tunables of the speed decision pipeline.
type ControlConfig struct {
	AggregationWindow time.Duration
	BaseSpeedLimit    int
	MinSpeedLimit     int
	MaxSpeedLimit     int
	LowSpeedLimit     int
	DensityThreshold  int
	HysteresisKmh     int
	MinSamples        int
	EventTTL          time.Duration
	Workers           int
}

// GreenWaveConfig holds the tunables of the emergency corridor scheduler.
type GreenWaveConfig struct {
	AdvanceTime       time.Duration
	MinDwell          time.Duration
	GreenHold         time.Duration
	CrossTrafficCap   int
	SimulationTimeout time.Duration
}

// TwinConfig holds the digital twin projection parameters. The warning
// cutoffs were never pinned down numerically upstream, so they stay
// configuration rather than constants.
type TwinConfig struct {
	Duration          time.Duration
	StepSeconds       int
	HighThreshold     float64
	ModerateThreshold float64
	QueueOnset        float64
	SegmentCapacity   int
	ConfidenceFloor   float64
}

type Config struct {
	Environment string
	HTTP        HTTPConfig
	DB          DBConfig
	Control     ControlConfig
	GreenWave   GreenWaveConfig
	Twin        TwinConfig
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigName("app")
	v.SetConfigType("env")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.AddConfigPath("./internal/config")

	v.AutomaticEnv()

	_ = v.ReadInConfig()

	cfg := &Config{
		Environment: v.GetString("APP_ENV"),
		HTTP: HTTPConfig{
			Host: v.GetString("HTTP_HOST"),
			Port: v.GetInt("HTTP_PORT"),
		},
		DB: DBConfig{
			DSN:             v.GetString("DB_DSN"),
			MaxOpenConns:    v.GetInt("DB_MAX_OPEN_CONNS"),
			MaxIdleConns:    v.GetInt("DB_MAX_IDLE_CONNS"),
			ConnMaxLifetime: v.GetDuration("DB_CONN_MAX_LIFETIME"),
		},
		Control: ControlConfig{
			AggregationWindow: v.GetDuration("AGGREGATION_WINDOW"),
			BaseSpeedLimit:    v.GetInt("BASE_SPEED_LIMIT"),
			MinSpeedLimit:     v.GetInt("MIN_SPEED_LIMIT"),
			MaxSpeedLimit:     v.GetInt("MAX_SPEED_LIMIT"),
			LowSpeedLimit:     v.GetInt("LOW_SPEED_LIMIT"),
			DensityThreshold:  v.GetInt("DENSITY_THRESHOLD"),
			HysteresisKmh:     v.GetInt("HYSTERESIS_KMH"),
			MinSamples:        v.GetInt("MIN_SAMPLES"),
			EventTTL:          v.GetDuration("EVENT_TTL"),
			Workers:           v.GetInt("PIPELINE_WORKERS"),
		},
		GreenWave: GreenWaveConfig{
			AdvanceTime:       v.GetDuration("GREEN_WAVE_ADVANCE_TIME"),
			MinDwell:          v.GetDuration("LIGHT_MIN_DWELL"),
			GreenHold:         v.GetDuration("GREEN_WAVE_HOLD"),
			CrossTrafficCap:   v.GetInt("CROSS_TRAFFIC_CAP_KMH"),
			SimulationTimeout: v.GetDuration("SIMULATION_TIMEOUT"),
		},
		Twin: TwinConfig{
			Duration:          v.GetDuration("SIMULATION_DURATION"),
			StepSeconds:       v.GetInt("SIMULATION_STEP_SECONDS"),
			HighThreshold:     v.GetFloat64("TWIN_HIGH_THRESHOLD"),
			ModerateThreshold: v.GetFloat64("TWIN_MODERATE_THRESHOLD"),
			QueueOnset:        v.GetFloat64("TWIN_QUEUE_ONSET"),
			SegmentCapacity:   v.GetInt("TWIN_SEGMENT_CAPACITY"),
			ConfidenceFloor:   v.GetFloat64("TWIN_CONFIDENCE_FLOOR"),
		},
	}

	applyDefaults(cfg)

	if err := validate(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.HTTP.Host == "" {
		cfg.HTTP.Host = "0.0.0.0"
	}
	if cfg.HTTP.Port == 0 {
		cfg.HTTP.Port = 8080
	}
	if cfg.Environment == "" {
		cfg.Environment = "development"
	}

	c := &cfg.Control
	if c.AggregationWindow == 0 {
		c.AggregationWindow = 30 * time.Second
	}
	if c.BaseSpeedLimit == 0 {
		c.BaseSpeedLimit = 60
	}
	if c.MinSpeedLimit == 0 {
		c.MinSpeedLimit = 20
	}
	if c.MaxSpeedLimit == 0 {
		c.MaxSpeedLimit = 120
	}
	if c.LowSpeedLimit == 0 {
		c.LowSpeedLimit = 30
	}
	if c.DensityThreshold == 0 {
		c.DensityThreshold = 30
	}
	if c.HysteresisKmh == 0 {
		c.HysteresisKmh = 5
	}
	if c.MinSamples == 0 {
		c.MinSamples = 2
	}
	if c.EventTTL == 0 {
		c.EventTTL = 10 * time.Minute
	}
	if c.Workers == 0 {
		c.Workers = 8
	}

	g := &cfg.GreenWave
	if g.AdvanceTime == 0 {
		g.AdvanceTime = 45 * time.Second
	}
	if g.MinDwell == 0 {
		g.MinDwell = 10 * time.Second
	}
	if g.GreenHold == 0 {
		g.GreenHold = 55 * time.Second
	}
	if g.CrossTrafficCap == 0 {
		g.CrossTrafficCap = 30
	}
	if g.SimulationTimeout == 0 {
		g.SimulationTimeout = 2 * time.Second
	}

	t := &cfg.Twin
	if t.Duration == 0 {
		t.Duration = 5 * time.Second
	}
	if t.StepSeconds == 0 {
		t.StepSeconds = 1
	}
	if t.HighThreshold == 0 {
		t.HighThreshold = 0.3
	}
	if t.ModerateThreshold == 0 {
		t.ModerateThreshold = 0.15
	}
	if t.QueueOnset == 0 {
		t.QueueOnset = 0.5
	}
	if t.SegmentCapacity == 0 {
		t.SegmentCapacity = 50
	}
	if t.ConfidenceFloor == 0 {
		t.ConfidenceFloor = 0.6
	}
}

func validate(cfg *Config) error {
	if cfg.Control.MinSpeedLimit >= cfg.Control.MaxSpeedLimit {
		return fmt.Errorf("MIN_SPEED_LIMIT must be below MAX_SPEED_LIMIT")
	}
	if cfg.Control.BaseSpeedLimit < cfg.Control.MinSpeedLimit || cfg.Control.BaseSpeedLimit > cfg.Control.MaxSpeedLimit {
		return fmt.Errorf("BASE_SPEED_LIMIT must be within speed limit bounds")
	}
	if cfg.Twin.StepSeconds <= 0 {
		return fmt.Errorf("SIMULATION_STEP_SECONDS must be positive")
	}
	return nil
}
