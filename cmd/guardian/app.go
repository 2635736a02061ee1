package main

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"guardian-bootstrap/internal/burner"
	"guardian-bootstrap/internal/checkpoint"
	"guardian-bootstrap/internal/config"
	"guardian-bootstrap/internal/delegation"
	xerrors "guardian-bootstrap/internal/errors"
	"guardian-bootstrap/internal/events"
	"guardian-bootstrap/internal/faucet"
	"guardian-bootstrap/internal/funding"
	"guardian-bootstrap/internal/mint"
	"guardian-bootstrap/internal/observability/alerting"
	"guardian-bootstrap/internal/observability/metrics"
	"guardian-bootstrap/internal/pipeline"
	"guardian-bootstrap/internal/storage"
	"guardian-bootstrap/internal/storage/mysql"
	"guardian-bootstrap/internal/tokens"
	"guardian-bootstrap/internal/web3"
	"guardian-bootstrap/internal/web3/ethereum"
	"guardian-bootstrap/internal/worker"
	"guardian-bootstrap/pkg/logger"
)

// app 持有已加载的配置，并按需组装各组件。所有资源在 close 中释放。
type app struct {
	cfgPath string
	cfg     *config.Config
	closers []func()
}

func (a *app) load() error {
	cfg, err := config.Load(config.ResolvePath(a.cfgPath))
	if err != nil {
		return err
	}
	if err := logger.Init(cfg.Logging); err != nil {
		return xerrors.Wrap(xerrors.CodeConfiguration, err, "初始化日志失败")
	}
	a.cfg = cfg
	return nil
}

func (a *app) onClose(fn func()) {
	a.closers = append(a.closers, fn)
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

func (a *app) owner() (web3.Identity, error) {
	id, err := web3.ResolveOwner(a.cfg.Owner.Address, a.cfg.OwnerPrivateKey())
	if err != nil {
		return web3.Identity{}, xerrors.Wrap(xerrors.CodeConfiguration, err, "解析 owner 身份失败")
	}
	return id, nil
}

// chain 连接节点并确认链 ID，配置中的链 ID 与节点不一致时拒绝继续。
func (a *app) chain(ctx context.Context) (*ethereum.Client, *big.Int, error) {
	client, err := ethereum.NewClient(ctx, ethereum.Config{
		RPCURL:      a.cfg.Chain.RPCURL,
		DialTimeout: config.Seconds(a.cfg.Chain.DialTimeoutSeconds),
		ReceiptPoll: time.Duration(a.cfg.Chain.ReceiptPollMillis) * time.Millisecond,
	})
	if err != nil {
		return nil, nil, err
	}
	a.onClose(client.Close)

	chainID, err := client.ChainID(ctx)
	if err != nil {
		return nil, nil, err
	}
	if a.cfg.Chain.ChainID != 0 && chainID.Int64() != a.cfg.Chain.ChainID {
		return nil, nil, xerrors.New(xerrors.CodeConfiguration,
			fmt.Sprintf("chain.chain_id 为 %d，但节点返回 %s", a.cfg.Chain.ChainID, chainID))
	}
	return client, chainID, nil
}

func (a *app) contracts(client web3.Client) (*web3.NFT, *web3.Hub, error) {
	nft, err := web3.NewNFT(client, web3Address(a.cfg.Contracts.NFT), a.cfg.Contracts.NFTABI)
	if err != nil {
		return nil, nil, xerrors.Wrap(xerrors.CodeConfiguration, err, "加载 NFT 合约失败")
	}
	hub, err := web3.NewHub(web3Address(a.cfg.Contracts.Hub), a.cfg.Contracts.HubABI)
	if err != nil {
		return nil, nil, xerrors.Wrap(xerrors.CodeConfiguration, err, "加载 DelegationHub 合约失败")
	}
	return nft, hub, nil
}

func (a *app) checkpoint(ctx context.Context) (checkpoint.Store, error) {
	var (
		store checkpoint.Store
		err   error
	)
	switch a.cfg.Checkpoint.Driver {
	case "redis":
		store, err = checkpoint.NewRedisStore(ctx, checkpoint.RedisConfig{
			Address:  a.cfg.Checkpoint.Redis.Address,
			Password: a.cfg.Checkpoint.Redis.Password,
			DB:       a.cfg.Checkpoint.Redis.DB,
			Prefix:   a.cfg.Checkpoint.Redis.Prefix,
		})
	default:
		store, err = checkpoint.NewFileStore(a.cfg.BurnerPath(), a.cfg.Checkpoint.TokensPath)
	}
	if err != nil {
		return nil, err
	}
	a.onClose(func() { _ = store.Close() })
	return store, nil
}

func (a *app) history(ctx context.Context) (storage.RunRepository, error) {
	var (
		repo storage.RunRepository
		err  error
	)
	switch a.cfg.History.Driver {
	case "none":
		return nil, nil
	case "mysql":
		repo, err = mysql.NewSQLRunRepository(ctx, mysql.Config{
			DSN:             a.cfg.History.MySQL.DSN,
			MaxOpenConns:    a.cfg.History.MySQL.MaxOpenConns,
			MaxIdleConns:    a.cfg.History.MySQL.MaxIdleConns,
			ConnMaxLifetime: config.Seconds(a.cfg.History.MySQL.ConnMaxLifetimeSeconds),
		})
	default:
		repo, err = storage.NewFileRunRepository(a.cfg.DataDir)
	}
	if err != nil {
		return nil, err
	}
	a.onClose(func() { _ = repo.Close() })
	return repo, nil
}

func (a *app) publisher() (events.Publisher, error) {
	fanout := events.Fanout{events.NewLogPublisher()}
	if a.cfg.Events.Driver == "rabbitmq" {
		rmq, err := events.NewRabbitMQPublisher(events.RabbitMQConfig{
			URL:     a.cfg.Events.RabbitMQ.URL,
			Queue:   a.cfg.Events.RabbitMQ.Queue,
			Durable: a.cfg.Events.RabbitMQ.Durable,
		})
		if err != nil {
			return nil, err
		}
		fanout = append(fanout, rmq)
	}
	if a.cfg.Events.MetricsTextfile != "" {
		fanout = append(fanout, metrics.NewCollector(a.cfg.Events.MetricsTextfile))
	}
	if len(a.cfg.Events.Alerts) > 0 {
		notifiers := make([]alerting.Notifier, 0, len(a.cfg.Events.Alerts))
		for _, hook := range a.cfg.Events.Alerts {
			n, err := alerting.NewWebhookNotifier(alerting.Channel(hook.Channel), hook.URL, config.Seconds(a.cfg.Events.AlertTimeout))
			if err != nil {
				return nil, err
			}
			notifiers = append(notifiers, n)
		}
		fanout = append(fanout, alerting.NewFanout(notifiers...))
	}
	a.onClose(func() {
		if err := fanout.Close(); err != nil {
			logger.Named("events").Warn("关闭事件发布器失败", slog.Any("error", err))
		}
	})
	return fanout, nil
}

func (a *app) faucet() (*faucet.Client, error) {
	return faucet.NewClient(faucet.Config{
		Enabled:      a.cfg.Faucet.Enabled,
		URL:          a.cfg.Faucet.URL,
		Method:       a.cfg.Faucet.Method,
		AddressField: a.cfg.Faucet.AddressField,
		Headers:      a.cfg.Faucet.Headers,
		Payload:      a.cfg.Faucet.Payload,
		Timeout:      config.Seconds(a.cfg.Faucet.TimeoutSeconds),
		MaxRetries:   a.cfg.Faucet.MaxRetries,
		Wait:         config.Seconds(a.cfg.Faucet.WaitSeconds),
	})
}

// funder 返回 fallback 转账的付款身份，未单独配置私钥时由 owner 付款。
func (a *app) funder(owner web3.Identity) (web3.Identity, error) {
	key := a.cfg.FunderPrivateKey()
	if key == "" {
		return owner, nil
	}
	id, err := web3.IdentityFromKey(key)
	if err != nil {
		return web3.Identity{}, xerrors.Wrap(xerrors.CodeConfiguration, err, "解析 funding.funder_private_key 失败")
	}
	return id, nil
}

func (a *app) minter(tx *web3.Transactor, nft *web3.NFT, store checkpoint.Store, price *big.Int) (*mint.Minter, error) {
	return mint.NewMinter(tx, nft, store, mint.Options{
		Function:       a.cfg.Mint.Function,
		Count:          a.cfg.Mint.Count,
		PricePerNFT:    price,
		Gas:            a.cfg.Mint.Gas,
		ReceiptTimeout: config.Seconds(a.cfg.Mint.ReceiptTimeoutSeconds),
	})
}

func (a *app) tokenOptions() (tokens.Options, error) {
	static, err := a.cfg.StaticTokens()
	if err != nil {
		return tokens.Options{}, xerrors.Wrap(xerrors.CodeConfiguration, err, "解析 token_ids 失败")
	}
	return tokens.Options{
		Auto:         *a.cfg.Discovery.Auto,
		WindowBlocks: a.cfg.Discovery.WindowBlocks,
		ChunkBlocks:  a.cfg.Discovery.ChunkBlocks,
		Static:       static,
	}, nil
}

func (a *app) sequencer(tx *web3.Transactor) *delegation.Sequencer {
	return delegation.NewSequencer(tx, delegation.Options{
		ApproveGas:     a.cfg.Delegation.ApproveGas,
		DelegateGas:    a.cfg.Delegation.DelegateGas,
		Confirm:        a.cfg.Delegation.Confirm,
		ReceiptTimeout: config.Seconds(a.cfg.Delegation.ReceiptTimeoutSeconds),
	})
}

// variant 区分完整引导与只做委托的流水线。
type variant struct {
	mint             bool
	skipOwnerFunding bool
}

// pipeline 组装完整的流水线。
func (a *app) pipeline(ctx context.Context, v variant) (*pipeline.Orchestrator, web3.Identity, error) {
	if err := a.cfg.Validate(); err != nil {
		return nil, web3.Identity{}, err
	}
	if err := a.cfg.ValidateWorker(); err != nil {
		return nil, web3.Identity{}, err
	}
	owner, err := a.owner()
	if err != nil {
		return nil, web3.Identity{}, err
	}
	if !owner.HasKey() {
		return nil, web3.Identity{}, xerrors.Wrap(xerrors.CodeConfiguration, web3.ErrNoSigningKey, "委托需要 owner 私钥")
	}
	funder, err := a.funder(owner)
	if err != nil {
		return nil, web3.Identity{}, err
	}
	amounts, err := a.cfg.Amounts()
	if err != nil {
		return nil, web3.Identity{}, xerrors.Wrap(xerrors.CodeConfiguration, err, "解析金额失败")
	}
	tokenOpts, err := a.tokenOptions()
	if err != nil {
		return nil, web3.Identity{}, err
	}
	claimer, err := a.faucet()
	if err != nil {
		return nil, web3.Identity{}, err
	}

	client, chainID, err := a.chain(ctx)
	if err != nil {
		return nil, web3.Identity{}, err
	}
	nft, hub, err := a.contracts(client)
	if err != nil {
		return nil, web3.Identity{}, err
	}
	store, err := a.checkpoint(ctx)
	if err != nil {
		return nil, web3.Identity{}, err
	}
	history, err := a.history(ctx)
	if err != nil {
		return nil, web3.Identity{}, err
	}
	publisher, err := a.publisher()
	if err != nil {
		return nil, web3.Identity{}, err
	}

	tx := web3.NewTransactor(client, chainID)
	runtime := worker.NewDockerCLI(a.cfg.Worker.DockerBinary)
	provisioner := funding.NewProvisioner(
		funding.NewGate(client),
		claimer,
		tx,
		funding.Wait{Attempts: a.cfg.Funding.WaitAttempts, Interval: config.Seconds(a.cfg.Funding.WaitIntervalSeconds)},
		funding.Fallback{Enabled: a.cfg.Funding.FallbackTransfer, From: funder, Amount: amounts.FundBurner},
	)

	deps := pipeline.Deps{
		Funder: provisioner,
		Launcher: worker.NewManager(runtime, worker.Options{
			CacheMount:    a.cfg.Worker.CacheMount,
			AllowlistEnv:  a.cfg.Worker.AllowlistEnv,
			RestartPolicy: a.cfg.Worker.RestartPolicy,
			ExtraEnv:      envList(a.cfg.Worker.Env),
		}),
		Burner:     burner.NewDiscoverer(runtime, store, a.cfg.Worker.LogTail),
		Tokens:     tokens.NewDiscoverer(store, nft, tokenOpts),
		Delegator:  a.sequencer(tx),
		Checkpoint: store,
		Hub:        hub,
		NFT:        nft,
	}
	settings := pipeline.Settings{
		Worker:           a.cfg.Worker.ContainerName,
		Image:            a.cfg.Worker.Image,
		CacheDir:         a.cfg.CacheDir(),
		OwnerMin:         amounts.OwnerMin,
		BurnerMin:        amounts.BurnerMin,
		BurnerTimeout:    config.Seconds(a.cfg.Worker.BurnerTimeoutSeconds),
		SkipOwnerFunding: v.skipOwnerFunding || a.cfg.Pipeline.SkipOwnerFunding,
		ReuseWorker:      a.cfg.Pipeline.ReuseWorker,
		LockDir:          a.cfg.Pipeline.LockDir,
	}

	opts := []pipeline.Option{pipeline.WithEvents(publisher)}
	if history != nil {
		opts = append(opts, pipeline.WithHistory(history))
	}
	if v.mint && a.cfg.Mint.Enabled {
		minter, err := a.minter(tx, nft, store, amounts.PricePerNFT)
		if err != nil {
			return nil, web3.Identity{}, err
		}
		opts = append(opts, pipeline.WithMinter(minter))
	}

	logger.Named("cli").Info("pipeline assembled",
		slog.String("owner", owner.Address.Hex()),
		slog.String("chain_id", chainID.String()),
		slog.String("worker", settings.Worker),
		slog.Bool("mint", v.mint && a.cfg.Mint.Enabled),
		slog.Bool("skip_owner_funding", settings.SkipOwnerFunding),
	)
	return pipeline.New(deps, settings, opts...), owner, nil
}
