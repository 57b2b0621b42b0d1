package conf

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

var config *BrokerConfig

// BrokerConfig is read from <repo>/config.toml
type BrokerConfig struct {
	API        API
	DB         DB
	REDIS      REDIS
	FEE        FEE
	ESCROW     ESCROW
	JOB        JOB
	REPUTATION REPUTATION
	CHAIN      CHAIN
}

type API struct {
	Port    int
	CrtFile string
	KeyFile string
	Debug   bool
}

type DB struct {
	Driver string // leveldb or postgres
	Path   string
	Dsn    string
}

type REDIS struct {
	Url      string
	Password string
	Workers  int
}

type FEE struct {
	PlatformRate   decimal.Decimal
	ProcessingRate decimal.Decimal
	GasFee         decimal.Decimal
	Precision      int32
}

type ESCROW struct {
	MaxAttempts       int
	BaseBackoff       Duration
	MaxBackoff        Duration
	CallTimeout       Duration
	ReconcileInterval Duration
	StuckTimeout      Duration
}

type JOB struct {
	DisputeWindow Duration
}

type REPUTATION struct {
	InitialScore   int
	ScoreCeiling   int
	SuccessBonus   int
	VolumeBonus    int
	VolumeBonusCap int
	FailurePenalty int
	RatingBonus    int
	DisputePenalty int
	RatingWeight   float64
}

type CHAIN struct {
	Mode               string // local or ethereum
	Rpc                string
	EscrowContract     string
	ReputationContract string
	OperatorAddress    string
	ChainID            int64
}

// Duration decodes TOML strings such as "30s".
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

func InitConfig(repoPath string) error {
	c, err := Load(repoPath)
	if err != nil {
		return err
	}
	config = c
	return nil
}

func GetConfig() *BrokerConfig {
	return config
}

// Load reads config.toml and the optional .env next to it.
func Load(repoPath string) (*BrokerConfig, error) {
	configFile := filepath.Join(repoPath, "config.toml")

	var c BrokerConfig
	metaData, err := toml.DecodeFile(configFile, &c)
	if err != nil {
		return nil, fmt.Errorf("failed load config file, path: %s, error: %w", configFile, err)
	}
	if err := requiredFieldsAreGiven(metaData); err != nil {
		return nil, err
	}

	envFile := filepath.Join(repoPath, ".env")
	if _, err := os.Stat(envFile); err == nil {
		if err := godotenv.Load(envFile); err != nil {
			return nil, fmt.Errorf("failed load env file, path: %s, error: %w", envFile, err)
		}
	}
	c.overrideFromEnv()
	c.setDefaults(repoPath)
	if err := c.validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

func (c *BrokerConfig) overrideFromEnv() {
	if v := os.Getenv("BROKER_DB_DSN"); v != "" {
		c.DB.Dsn = v
	}
	if v := os.Getenv("BROKER_REDIS_PASSWORD"); v != "" {
		c.REDIS.Password = v
	}
	if v := os.Getenv("BROKER_OPERATOR_ADDRESS"); v != "" {
		c.CHAIN.OperatorAddress = v
	}
}

func (c *BrokerConfig) setDefaults(repoPath string) {
	if c.API.Port == 0 {
		c.API.Port = 8085
	}
	if c.DB.Driver == "" {
		c.DB.Driver = "leveldb"
	}
	if c.DB.Path == "" {
		c.DB.Path = filepath.Join(repoPath, "broker.db")
	}
	if c.REDIS.Workers == 0 {
		c.REDIS.Workers = 2
	}
	if c.FEE.Precision == 0 {
		c.FEE.Precision = 8
	}
	if c.ESCROW.ReconcileInterval.Duration == 0 {
		c.ESCROW.ReconcileInterval.Duration = time.Minute
	}
	if c.CHAIN.Mode == "" {
		c.CHAIN.Mode = "local"
	}
}

func (c *BrokerConfig) validate() error {
	switch c.DB.Driver {
	case "leveldb":
	case "postgres":
		if c.DB.Dsn == "" {
			return fmt.Errorf("DB.Dsn is required for the postgres driver")
		}
	default:
		return fmt.Errorf("unknown DB.Driver %q", c.DB.Driver)
	}
	switch c.CHAIN.Mode {
	case "local":
	case "ethereum":
		var missing []string
		if c.CHAIN.Rpc == "" {
			missing = append(missing, "Rpc")
		}
		if c.CHAIN.EscrowContract == "" {
			missing = append(missing, "EscrowContract")
		}
		if c.CHAIN.ReputationContract == "" {
			missing = append(missing, "ReputationContract")
		}
		if c.CHAIN.OperatorAddress == "" {
			missing = append(missing, "OperatorAddress")
		}
		if len(missing) > 0 {
			return fmt.Errorf("CHAIN needs %s in ethereum mode", strings.Join(missing, ", "))
		}
	default:
		return fmt.Errorf("unknown CHAIN.Mode %q", c.CHAIN.Mode)
	}
	if c.FEE.PlatformRate.IsNegative() || c.FEE.ProcessingRate.IsNegative() || c.FEE.GasFee.IsNegative() {
		return fmt.Errorf("FEE values must not be negative")
	}
	return nil
}

func requiredFieldsAreGiven(metaData toml.MetaData) error {
	requiredFields := [][]string{
		{"API"},
		{"DB"},
		{"FEE"},
		{"CHAIN"},

		{"API", "Port"},

		{"FEE", "PlatformRate"},
		{"FEE", "ProcessingRate"},
	}

	for _, v := range requiredFields {
		if !metaData.IsDefined(v...) {
			return fmt.Errorf("required field %s not given", strings.Join(v, "."))
		}
	}
	return nil
}
