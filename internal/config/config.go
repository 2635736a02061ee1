package config

import (
	"errors"
	"fmt"
	"io"
	"math/big"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	xerrors "guardian-bootstrap/internal/errors"
	"guardian-bootstrap/internal/web3"
	"guardian-bootstrap/pkg/logger"
)

// EnvConfigPath 为未通过命令行指定配置路径时读取的环境变量。
const EnvConfigPath = "GUARDIAN_CONFIG"

// DefaultPath 为最终的默认配置文件名。
const DefaultPath = "config.yaml"

// Config 描述一次 guardian 引导流水线需要的全部配置。
type Config struct {
	DataDir    string           `yaml:"data_dir"`
	Chain      ChainConfig      `yaml:"chain"`
	Owner      OwnerConfig      `yaml:"owner"`
	Contracts  ContractsConfig  `yaml:"contracts"`
	Faucet     FaucetConfig     `yaml:"faucet"`
	Mint       MintConfig       `yaml:"mint"`
	Funding    FundingConfig    `yaml:"funding"`
	Discovery  DiscoveryConfig  `yaml:"discovery"`
	Delegation DelegationConfig `yaml:"delegation"`
	Worker     WorkerConfig     `yaml:"worker"`
	Checkpoint CheckpointConfig `yaml:"checkpoint"`
	History    HistoryConfig    `yaml:"history"`
	Events     EventsConfig     `yaml:"events"`
	Logging    logger.Config    `yaml:"logging"`
	Pipeline   PipelineConfig   `yaml:"pipeline"`
}

// ChainConfig 包含访问区块链节点所需的 RPC 地址。
type ChainConfig struct {
	RPCURL             string `yaml:"rpc_url"`
	ChainID            int64  `yaml:"chain_id"`
	DialTimeoutSeconds int    `yaml:"dial_timeout_seconds"`
	ReceiptPollMillis  int    `yaml:"receipt_poll_ms"`
}

// OwnerConfig 描述 owner 身份。私钥可以直接填写，也可以从环境变量读取。
type OwnerConfig struct {
	Address       string `yaml:"address"`
	PrivateKey    string `yaml:"private_key"`
	PrivateKeyEnv string `yaml:"private_key_env"`
}

// ContractsConfig 描述 NFT 合约与委托合约。ABI 路径为空时使用内置 ABI。
type ContractsConfig struct {
	NFT    string `yaml:"nft"`
	Hub    string `yaml:"hub"`
	NFTABI string `yaml:"nft_abi"`
	HubABI string `yaml:"hub_abi"`
}

// FaucetConfig 描述水龙头接口。
type FaucetConfig struct {
	Enabled        bool              `yaml:"enabled"`
	URL            string            `yaml:"url"`
	Method         string            `yaml:"method"`
	AddressField   string            `yaml:"address_field"`
	Headers        map[string]string `yaml:"headers"`
	Payload        map[string]any    `yaml:"payload"`
	TimeoutSeconds int               `yaml:"timeout_seconds"`
	MaxRetries     int               `yaml:"max_retries"`
	WaitSeconds    int               `yaml:"wait_seconds"`
}

// MintConfig 描述铸造调用。
type MintConfig struct {
	Enabled               bool   `yaml:"enabled"`
	Function              string `yaml:"function"`
	Count                 int64  `yaml:"count"`
	PricePerNFT           string `yaml:"price_per_nft"`
	Gas                   uint64 `yaml:"gas"`
	ReceiptTimeoutSeconds int    `yaml:"receipt_timeout_seconds"`
}

// FundingConfig 中的金额均以整币为单位的十进制字符串书写。
type FundingConfig struct {
	OwnerMin            string `yaml:"owner_min"`
	BurnerMin           string `yaml:"burner_min"`
	WaitAttempts        int    `yaml:"wait_attempts"`
	WaitIntervalSeconds int    `yaml:"wait_interval_seconds"`
	FallbackTransfer    bool   `yaml:"fallback_transfer"`
	FundBurnerAmount    string `yaml:"fund_burner_amount"`
	FunderPrivateKey    string `yaml:"funder_private_key"`
	FunderPrivateKeyEnv string `yaml:"funder_private_key_env"`
}

// DiscoveryConfig 控制 token 发现。
type DiscoveryConfig struct {
	Auto         *bool    `yaml:"auto"`
	WindowBlocks uint64   `yaml:"window_blocks"`
	ChunkBlocks  uint64   `yaml:"chunk_blocks"`
	TokenIDs     []string `yaml:"token_ids"`
}

// DelegationConfig 控制 approve/delegate 交易。
type DelegationConfig struct {
	ApproveGas            uint64 `yaml:"approve_gas"`
	DelegateGas           uint64 `yaml:"delegate_gas"`
	Confirm               bool   `yaml:"confirm"`
	ReceiptTimeoutSeconds int    `yaml:"receipt_timeout_seconds"`
}

// WorkerConfig 描述 worker 容器。
type WorkerConfig struct {
	Name                 string            `yaml:"name"`
	ContainerName        string            `yaml:"container_name"`
	Image                string            `yaml:"image"`
	DockerBinary         string            `yaml:"docker_binary"`
	CacheMount           string            `yaml:"cache_mount"`
	AllowlistEnv         string            `yaml:"allowlist_env"`
	RestartPolicy        string            `yaml:"restart_policy"`
	Env                  map[string]string `yaml:"env"`
	BurnerTimeoutSeconds int               `yaml:"burner_timeout_seconds"`
	LogTail              int               `yaml:"log_tail"`
}

// CheckpointConfig 选择检查点后端。
type CheckpointConfig struct {
	Driver     string      `yaml:"driver"`
	TokensPath string      `yaml:"tokens_path"`
	Redis      RedisConfig `yaml:"redis"`
}

// RedisConfig 描述 Redis 连接。
type RedisConfig struct {
	Address  string `yaml:"address"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Prefix   string `yaml:"prefix"`
}

// HistoryConfig 选择运行记录的存储。
type HistoryConfig struct {
	Driver string      `yaml:"driver"`
	MySQL  MySQLConfig `yaml:"mysql"`
}

// MySQLConfig 描述 MySQL 连接池。
type MySQLConfig struct {
	DSN                    string `yaml:"dsn"`
	MaxOpenConns           int    `yaml:"max_open_conns"`
	MaxIdleConns           int    `yaml:"max_idle_conns"`
	ConnMaxLifetimeSeconds int    `yaml:"conn_max_lifetime_seconds"`
}

// EventsConfig 选择阶段事件的发布方式。
type EventsConfig struct {
	Driver   string         `yaml:"driver"`
	RabbitMQ RabbitMQConfig `yaml:"rabbitmq"`

	// MetricsTextfile 非空时在运行结束后写出 Prometheus 文本格式的阶段指标。
	MetricsTextfile string          `yaml:"metrics_textfile"`
	Alerts          []WebhookConfig `yaml:"alerts"`
	AlertTimeout    int             `yaml:"alert_timeout_seconds"`
}

// WebhookConfig 描述一个中止告警的接收端。
type WebhookConfig struct {
	Channel string `yaml:"channel"`
	URL     string `yaml:"url"`
}

// RabbitMQConfig 描述 RabbitMQ 连接。
type RabbitMQConfig struct {
	URL     string `yaml:"url"`
	Queue   string `yaml:"queue"`
	Durable bool   `yaml:"durable"`
}

// PipelineConfig 控制流水线变体。
type PipelineConfig struct {
	SkipOwnerFunding bool   `yaml:"skip_owner_funding"`
	ReuseWorker      bool   `yaml:"reuse_worker"`
	LockDir          string `yaml:"lock_dir"`
}

// Amounts 为换算成 wei 的金额。
type Amounts struct {
	OwnerMin    *big.Int
	BurnerMin   *big.Int
	FundBurner  *big.Int
	PricePerNFT *big.Int
}

// ResolvePath 依次使用命令行参数、GUARDIAN_CONFIG 环境变量和默认文件名。
func ResolvePath(flagValue string) string {
	if strings.TrimSpace(flagValue) != "" {
		return flagValue
	}
	if env := strings.TrimSpace(os.Getenv(EnvConfigPath)); env != "" {
		return env
	}
	return DefaultPath
}

// Load 负责解析指定路径的 YAML 配置文件并填充默认值。
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, xerrors.New(xerrors.CodeConfiguration, "配置文件路径为空")
	}

	file, err := os.Open(path)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeConfiguration, err, "打开配置文件失败")
	}
	defer file.Close()

	content, err := io.ReadAll(file)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(content, &cfg); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeConfiguration, err, "解析配置失败")
	}

	baseDir, err := filepath.Abs(filepath.Dir(path))
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeConfiguration, err, "解析配置文件目录失败")
	}
	cfg.applyDefaults(baseDir)

	return &cfg, nil
}

// applyDefaults 在用户未填写部分字段时设置合理的默认值。
func (c *Config) applyDefaults(baseDir string) {
	if c.DataDir == "" {
		c.DataDir = "data"
	}
	c.DataDir = resolve(baseDir, c.DataDir, "")

	if c.Chain.DialTimeoutSeconds <= 0 {
		c.Chain.DialTimeoutSeconds = 15
	}
	if c.Chain.ReceiptPollMillis <= 0 {
		c.Chain.ReceiptPollMillis = 2000
	}

	if c.Owner.PrivateKeyEnv == "" {
		c.Owner.PrivateKeyEnv = "OWNER_PRIVATE_KEY"
	}

	c.Contracts.NFTABI = resolveABI(baseDir, c.Contracts.NFTABI, "NFT.json")
	c.Contracts.HubABI = resolveABI(baseDir, c.Contracts.HubABI, "DelegationHub.json")

	if c.Faucet.Method == "" {
		c.Faucet.Method = "POST"
	}
	if c.Faucet.AddressField == "" {
		c.Faucet.AddressField = "address"
	}
	if c.Faucet.TimeoutSeconds <= 0 {
		c.Faucet.TimeoutSeconds = 20
	}
	if c.Faucet.MaxRetries <= 0 {
		c.Faucet.MaxRetries = 3
	}
	if c.Faucet.WaitSeconds < 0 {
		c.Faucet.WaitSeconds = 0
	}

	if c.Mint.Function == "" {
		c.Mint.Function = "mint"
	}
	if c.Mint.Count <= 0 {
		c.Mint.Count = 1
	}
	if c.Mint.PricePerNFT == "" {
		c.Mint.PricePerNFT = "0"
	}
	if c.Mint.ReceiptTimeoutSeconds <= 0 {
		c.Mint.ReceiptTimeoutSeconds = 240
	}

	if c.Funding.OwnerMin == "" {
		c.Funding.OwnerMin = "1"
	}
	if c.Funding.BurnerMin == "" {
		c.Funding.BurnerMin = "0.5"
	}
	if c.Funding.WaitAttempts <= 0 {
		c.Funding.WaitAttempts = 10
	}
	if c.Funding.WaitIntervalSeconds <= 0 {
		c.Funding.WaitIntervalSeconds = 6
	}
	if c.Funding.FundBurnerAmount == "" {
		c.Funding.FundBurnerAmount = "1"
	}
	if c.Funding.FunderPrivateKeyEnv == "" {
		c.Funding.FunderPrivateKeyEnv = "FUND_PRIVATE_KEY"
	}

	if c.Discovery.Auto == nil {
		auto := true
		c.Discovery.Auto = &auto
	}
	if c.Discovery.WindowBlocks == 0 {
		c.Discovery.WindowBlocks = 50000
	}

	if c.Delegation.ApproveGas == 0 {
		c.Delegation.ApproveGas = 250000
	}
	if c.Delegation.DelegateGas == 0 {
		c.Delegation.DelegateGas = 600000
	}
	if c.Delegation.ReceiptTimeoutSeconds <= 0 {
		c.Delegation.ReceiptTimeoutSeconds = 240
	}

	if c.Worker.Name == "" {
		c.Worker.Name = "worker1"
	}
	if c.Worker.ContainerName == "" {
		c.Worker.ContainerName = "guardian_" + c.Worker.Name
	}
	if c.Worker.DockerBinary == "" {
		c.Worker.DockerBinary = "docker"
	}
	if c.Worker.BurnerTimeoutSeconds <= 0 {
		c.Worker.BurnerTimeoutSeconds = 60
	}
	if c.Worker.LogTail <= 0 {
		c.Worker.LogTail = 200
	}

	if c.Checkpoint.Driver == "" {
		c.Checkpoint.Driver = "file"
	}
	c.Checkpoint.TokensPath = resolve(baseDir, c.Checkpoint.TokensPath, filepath.Join(c.DataDir, "minted_ids.json"))
	if c.Checkpoint.Redis.Prefix == "" {
		c.Checkpoint.Redis.Prefix = "guardian:" + c.Worker.Name
	}

	switch c.History.Driver {
	case "", "memory":
		c.History.Driver = "file"
	}
	if c.Events.Driver == "" {
		c.Events.Driver = "log"
	}
	if c.Events.RabbitMQ.Queue == "" {
		c.Events.RabbitMQ.Queue = "guardian.stages"
	}
	if c.Events.MetricsTextfile != "" {
		c.Events.MetricsTextfile = resolve(baseDir, c.Events.MetricsTextfile, "")
	}
	if c.Events.AlertTimeout <= 0 {
		c.Events.AlertTimeout = 10
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Audit.Enabled {
		c.Logging.Audit.Path = resolve(baseDir, c.Logging.Audit.Path, filepath.Join(c.DataDir, "audit.log"))
	}

	c.Pipeline.LockDir = resolve(baseDir, c.Pipeline.LockDir, filepath.Join(c.DataDir, "locks"))
}

// resolve 将用户填写的相对路径解析到配置文件所在目录。空值直接返回 fallback，
// fallback 应已由解析后的 DataDir 拼出。
func resolve(baseDir, value, fallback string) string {
	if value == "" {
		return fallback
	}
	if filepath.IsAbs(value) {
		return value
	}
	return filepath.Join(baseDir, value)
}

// resolveABI 未配置时探测 abi/<name>，不存在则保持为空以使用内置 ABI。
func resolveABI(baseDir, value, name string) string {
	if value != "" {
		return resolve(baseDir, value, "")
	}
	candidate := filepath.Join(baseDir, "abi", name)
	if _, err := os.Stat(candidate); err == nil {
		return candidate
	}
	return ""
}

// Validate 在产生任何副作用之前检查必填项。
func (c *Config) Validate() error {
	var problems []string
	add := func(format string, args ...any) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	if strings.TrimSpace(c.Chain.RPCURL) == "" {
		add("chain.rpc_url 不能为空")
	}
	if c.Owner.Address == "" && c.OwnerPrivateKey() == "" {
		add("需要配置 owner.address 或 owner.private_key（或环境变量 %s）", c.Owner.PrivateKeyEnv)
	}
	if !isAddress(c.Contracts.NFT) {
		add("contracts.nft 不是有效地址: %q", c.Contracts.NFT)
	}
	if !isAddress(c.Contracts.Hub) {
		add("contracts.hub 不是有效地址: %q", c.Contracts.Hub)
	}
	if c.Faucet.Enabled && strings.TrimSpace(c.Faucet.URL) == "" {
		add("faucet.enabled 为 true 时 faucet.url 不能为空")
	}
	if _, err := c.Amounts(); err != nil {
		add("%v", err)
	}
	if _, err := c.StaticTokens(); err != nil {
		add("%v", err)
	}
	switch c.Checkpoint.Driver {
	case "file":
	case "redis":
		if c.Checkpoint.Redis.Address == "" {
			add("checkpoint.redis.address 不能为空")
		}
	default:
		add("不支持的 checkpoint.driver %q", c.Checkpoint.Driver)
	}
	switch c.History.Driver {
	case "file", "none":
	case "mysql":
		if c.History.MySQL.DSN == "" {
			add("history.mysql.dsn 不能为空")
		}
	default:
		add("不支持的 history.driver %q", c.History.Driver)
	}
	switch c.Events.Driver {
	case "log":
	case "rabbitmq":
		if c.Events.RabbitMQ.URL == "" {
			add("events.rabbitmq.url 不能为空")
		}
	default:
		add("不支持的 events.driver %q", c.Events.Driver)
	}
	for i, alert := range c.Events.Alerts {
		if strings.TrimSpace(alert.URL) == "" {
			add("events.alerts[%d].url 不能为空", i)
		}
		switch alert.Channel {
		case "", "webhook", "slack", "dingtalk":
		default:
			add("不支持的 events.alerts[%d].channel %q", i, alert.Channel)
		}
	}

	if len(problems) > 0 {
		return xerrors.New(xerrors.CodeConfiguration, "配置无效: "+strings.Join(problems, "; "))
	}
	return nil
}

// ValidateWorker 检查启动 worker 所需的配置。
func (c *Config) ValidateWorker() error {
	if strings.TrimSpace(c.Worker.Image) == "" {
		return xerrors.New(xerrors.CodeConfiguration, "worker.image 不能为空")
	}
	return nil
}

// OwnerPrivateKey 返回配置或环境变量中的 owner 私钥。
func (c *Config) OwnerPrivateKey() string {
	if c.Owner.PrivateKey != "" {
		return c.Owner.PrivateKey
	}
	return os.Getenv(c.Owner.PrivateKeyEnv)
}

// FunderPrivateKey 返回 fallback 转账使用的私钥，未配置时为空（使用 owner）。
func (c *Config) FunderPrivateKey() string {
	if c.Funding.FunderPrivateKey != "" {
		return c.Funding.FunderPrivateKey
	}
	return os.Getenv(c.Funding.FunderPrivateKeyEnv)
}

// Amounts 将金额配置精确换算为 wei。
func (c *Config) Amounts() (Amounts, error) {
	var (
		out  Amounts
		errs []error
	)
	parse := func(field, value string) *big.Int {
		wei, err := web3.ParseEther(value)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", field, err))
		}
		return wei
	}
	out.OwnerMin = parse("funding.owner_min", c.Funding.OwnerMin)
	out.BurnerMin = parse("funding.burner_min", c.Funding.BurnerMin)
	out.FundBurner = parse("funding.fund_burner_amount", c.Funding.FundBurnerAmount)
	out.PricePerNFT = parse("mint.price_per_nft", c.Mint.PricePerNFT)
	return out, errors.Join(errs...)
}

// StaticTokens 解析 discovery.token_ids。
func (c *Config) StaticTokens() ([]*big.Int, error) {
	out := make([]*big.Int, 0, len(c.Discovery.TokenIDs))
	for _, raw := range c.Discovery.TokenIDs {
		id, ok := new(big.Int).SetString(strings.TrimSpace(raw), 10)
		if !ok || id.Sign() < 0 {
			return nil, fmt.Errorf("discovery.token_ids 包含无效编号 %q", raw)
		}
		out = append(out, id)
	}
	return out, nil
}

// WorkerDir 返回 worker 的数据目录。
func (c *Config) WorkerDir() string {
	return filepath.Join(c.DataDir, "workers", c.Worker.Name)
}

// CacheDir 返回挂载进容器的缓存目录。
func (c *Config) CacheDir() string {
	return filepath.Join(c.WorkerDir(), "cache")
}

// BurnerPath 返回 burner 检查点文件。
func (c *Config) BurnerPath() string {
	return filepath.Join(c.WorkerDir(), "meta.json")
}

// Seconds 将配置中的秒数转换为 time.Duration。
func Seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}

func isAddress(value string) bool {
	_, err := web3.IdentityFromAddress(value)
	return err == nil
}
