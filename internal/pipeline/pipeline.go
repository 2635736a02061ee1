// Package pipeline 驱动 guardian 引导流水线：owner 资金准备、铸造、启动 worker、
// 发现 burner、burner 资金准备、发现 token、委托。各阶段严格串行执行。
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	"guardian-bootstrap/internal/checkpoint"
	xerrors "guardian-bootstrap/internal/errors"
	"guardian-bootstrap/internal/events"
	"guardian-bootstrap/internal/funding"
	"guardian-bootstrap/internal/storage"
	"guardian-bootstrap/internal/tokens"
	"guardian-bootstrap/internal/web3"
	"guardian-bootstrap/pkg/logger"
)

// Stage 标识流水线阶段。
type Stage string

const (
	StageResolveOwner    Stage = "resolve_owner"
	StageProvisionOwner  Stage = "provision_owner"
	StageMint            Stage = "mint"
	StageLaunchWorker    Stage = "launch_worker"
	StageDiscoverBurner  Stage = "discover_burner"
	StageProvisionBurner Stage = "provision_burner"
	StageDiscoverTokens  Stage = "discover_tokens"
	StageDelegate        Stage = "delegate"
)

// State 为流水线的终止状态。
type State string

const (
	StateDone    State = "done"
	StateAborted State = "aborted"
)

// Funder 确保某个身份的余额达到阈值，由 *funding.Provisioner 实现。
type Funder interface {
	Provision(ctx context.Context, role funding.Role, address common.Address, minimum *big.Int) (funding.Result, error)
}

// Minter 铸造 NFT，由 *mint.Minter 实现。
type Minter interface {
	Mint(ctx context.Context, owner web3.Identity) ([]*big.Int, error)
}

// Launcher 启动 worker 容器，由 *worker.Manager 实现。
type Launcher interface {
	Start(ctx context.Context, name, image string, owner common.Address, cacheDir string) error
}

// BurnerFinder 从 worker 输出中发现 burner，由 *burner.Discoverer 实现。
type BurnerFinder interface {
	Discover(ctx context.Context, name string, timeout time.Duration) (common.Address, error)
}

// TokenFinder 发现 owner 持有的 token，由 *tokens.Discoverer 实现。
type TokenFinder interface {
	Discover(ctx context.Context, owner common.Address) (tokens.Result, error)
}

// Delegator 提交 approve/delegate 交易，由 *delegation.Sequencer 实现。
type Delegator interface {
	Delegate(ctx context.Context, owner web3.Identity, hub *web3.Hub, nft *web3.NFT, ids []*big.Int, burner common.Address) ([]web3.Submission, error)
}

// Recorder 保存运行记录，由 storage.RunRepository 的实现提供。
type Recorder interface {
	Save(ctx context.Context, record storage.RunRecord) error
}

// Deps 汇总各阶段的协作者。
type Deps struct {
	Funder     Funder
	Launcher   Launcher
	Burner     BurnerFinder
	Tokens     TokenFinder
	Delegator  Delegator
	Checkpoint checkpoint.Store
	Hub        *web3.Hub
	NFT        *web3.NFT
}

// Settings 为一次运行的参数。
type Settings struct {
	Worker        string
	Image         string
	CacheDir      string
	OwnerMin      *big.Int
	BurnerMin     *big.Int
	BurnerTimeout time.Duration
	// SkipOwnerFunding 对应只做委托的流水线变体。
	SkipOwnerFunding bool
	// ReuseWorker 在已有 burner 检查点时跳过启动与发现。
	ReuseWorker bool
	// LockDir 为空时不获取 owner 锁。
	LockDir string
}

// Result 汇总一次运行的结果。
type Result struct {
	RunID       string
	State       State
	Stage       Stage
	Reason      string
	Code        xerrors.Code
	Owner       common.Address
	Burner      common.Address
	Tokens      []*big.Int
	TokenSource tokens.Source
	Minted      []*big.Int
	Funding     []funding.Result
	Submissions []web3.Submission
	StartedAt   time.Time
	FinishedAt  time.Time
}

// Orchestrator 按顺序执行各阶段。
type Orchestrator struct {
	deps     Deps
	settings Settings
	minter   Minter
	events   events.Publisher
	history  Recorder
	log      *slog.Logger
	now      func() time.Time
}

// Option 定义可选配置。
type Option func(*Orchestrator)

// WithMinter 启用铸造阶段。
func WithMinter(m Minter) Option {
	return func(o *Orchestrator) {
		o.minter = m
	}
}

// WithEvents 设置阶段事件发布器。
func WithEvents(p events.Publisher) Option {
	return func(o *Orchestrator) {
		o.events = p
	}
}

// WithHistory 设置运行记录存储。
func WithHistory(r Recorder) Option {
	return func(o *Orchestrator) {
		o.history = r
	}
}

// New 创建流水线。
func New(deps Deps, settings Settings, opts ...Option) *Orchestrator {
	if settings.BurnerTimeout <= 0 {
		settings.BurnerTimeout = 60 * time.Second
	}
	if settings.OwnerMin == nil {
		settings.OwnerMin = new(big.Int)
	}
	if settings.BurnerMin == nil {
		settings.BurnerMin = new(big.Int)
	}
	o := &Orchestrator{
		deps:     deps,
		settings: settings,
		log:      logger.Named("pipeline"),
		now:      time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(o)
		}
	}
	return o
}

type step struct {
	stage Stage
	// skip 返回非空原因时跳过该阶段。
	skip func(ctx context.Context, res *Result) string
	run  func(ctx context.Context, res *Result) error
}

// Run 执行完整流水线。中止时返回的 Result 保留已完成阶段的产出，error 为中止原因。
func (o *Orchestrator) Run(ctx context.Context, owner web3.Identity) (Result, error) {
	res := Result{
		RunID:     uuid.NewString(),
		Owner:     owner.Address,
		StartedAt: o.now(),
	}
	log := o.log.With(slog.String("run_id", res.RunID), slog.String("owner", owner.Address.Hex()))
	log.Info("pipeline started", slog.String("worker", o.settings.Worker))

	o.publish(ctx, &res, StageResolveOwner, events.StatusStarted, "")
	if o.settings.LockDir != "" {
		lock, err := web3.LockOwner(o.settings.LockDir, owner.Address)
		if err != nil {
			return o.abort(ctx, log, &res, StageResolveOwner, err)
		}
		defer func() {
			if err := lock.Release(); err != nil {
				log.Warn("release owner lock failed", slog.Any("error", err))
			}
		}()
	}
	log.Info("stage completed", slog.String("stage", string(StageResolveOwner)), slog.Bool("locked", o.settings.LockDir != ""))
	o.publish(ctx, &res, StageResolveOwner, events.StatusCompleted, "")

	for _, s := range o.steps(owner) {
		if err := ctx.Err(); err != nil {
			return o.abort(ctx, log, &res, s.stage, err)
		}
		if s.skip != nil {
			if reason := s.skip(ctx, &res); reason != "" {
				log.Info("stage skipped", slog.String("stage", string(s.stage)), slog.String("reason", reason))
				o.publish(ctx, &res, s.stage, events.StatusSkipped, reason)
				continue
			}
		}

		o.publish(ctx, &res, s.stage, events.StatusStarted, "")
		begin := o.now()
		if err := s.run(ctx, &res); err != nil {
			return o.abort(ctx, log, &res, s.stage, err)
		}
		log.Info("stage completed",
			slog.String("stage", string(s.stage)),
			slog.Duration("elapsed", o.now().Sub(begin)),
		)
		o.publish(ctx, &res, s.stage, events.StatusCompleted, "")
	}

	res.State = StateDone
	res.FinishedAt = o.now()
	log.Info("done",
		slog.String("burner", res.Burner.Hex()),
		slog.Int("tokens", len(res.Tokens)),
		slog.Int("transactions", len(res.Submissions)),
	)
	o.record(ctx, log, &res)
	return res, nil
}

func (o *Orchestrator) steps(owner web3.Identity) []step {
	return []step{
		{
			stage: StageProvisionOwner,
			skip: func(context.Context, *Result) string {
				if o.settings.SkipOwnerFunding {
					return "owner funding disabled"
				}
				return ""
			},
			run: func(ctx context.Context, res *Result) error {
				result, err := o.deps.Funder.Provision(ctx, funding.RoleOwner, owner.Address, o.settings.OwnerMin)
				res.Funding = append(res.Funding, result)
				return err
			},
		},
		{
			stage: StageMint,
			skip: func(ctx context.Context, _ *Result) string {
				if o.minter == nil {
					return "mint disabled"
				}
				if existing := o.deps.Checkpoint.LoadTokens(ctx); len(existing) > 0 {
					return fmt.Sprintf("checkpoint already lists %d token(s)", len(existing))
				}
				return ""
			},
			run: func(ctx context.Context, res *Result) error {
				minted, err := o.minter.Mint(ctx, owner)
				res.Minted = minted
				return err
			},
		},
		{
			stage: StageLaunchWorker,
			skip: func(ctx context.Context, res *Result) string {
				if !o.settings.ReuseWorker {
					return ""
				}
				if burner, ok := o.deps.Checkpoint.LoadBurner(ctx); ok {
					res.Burner = burner
					return "reusing worker with checkpointed burner " + burner.Hex()
				}
				return ""
			},
			run: func(ctx context.Context, _ *Result) error {
				return o.deps.Launcher.Start(ctx, o.settings.Worker, o.settings.Image, owner.Address, o.settings.CacheDir)
			},
		},
		{
			stage: StageDiscoverBurner,
			skip: func(_ context.Context, res *Result) string {
				if res.Burner != (common.Address{}) {
					return "burner from checkpoint"
				}
				return ""
			},
			run: func(ctx context.Context, res *Result) error {
				burner, err := o.deps.Burner.Discover(ctx, o.settings.Worker, o.settings.BurnerTimeout)
				if err != nil {
					return err
				}
				res.Burner = burner
				return nil
			},
		},
		{
			stage: StageProvisionBurner,
			run: func(ctx context.Context, res *Result) error {
				result, err := o.deps.Funder.Provision(ctx, funding.RoleBurner, res.Burner, o.settings.BurnerMin)
				res.Funding = append(res.Funding, result)
				return err
			},
		},
		{
			stage: StageDiscoverTokens,
			run: func(ctx context.Context, res *Result) error {
				found, err := o.deps.Tokens.Discover(ctx, owner.Address)
				if err != nil {
					return err
				}
				if len(found.Tokens) == 0 {
					return xerrors.Wrap(xerrors.CodeDiscoveryMiss, tokens.ErrNoTokens, "没有可委托的 token")
				}
				res.Tokens = found.Tokens
				res.TokenSource = found.Source
				return nil
			},
		},
		{
			stage: StageDelegate,
			run: func(ctx context.Context, res *Result) error {
				submissions, err := o.deps.Delegator.Delegate(ctx, owner, o.deps.Hub, o.deps.NFT, res.Tokens, res.Burner)
				res.Submissions = submissions
				return err
			},
		},
	}
}

func (o *Orchestrator) abort(ctx context.Context, log *slog.Logger, res *Result, stage Stage, err error) (Result, error) {
	res.State = StateAborted
	res.Stage = stage
	res.Reason = describe(err)
	res.Code = xerrors.CodeOf(err)
	res.FinishedAt = o.now()

	log.Error(fmt.Sprintf("aborted: %s: %s", stage, res.Reason),
		slog.String("stage", string(stage)),
		slog.String("code", string(res.Code)),
	)
	o.publish(ctx, res, stage, events.StatusFailed, res.Reason)
	o.record(ctx, log, res)
	return *res, err
}

func describe(err error) string {
	switch {
	case errors.Is(err, context.Canceled):
		return "interrupted"
	case errors.Is(err, context.DeadlineExceeded):
		return "deadline exceeded"
	default:
		return err.Error()
	}
}

func (o *Orchestrator) publish(ctx context.Context, res *Result, stage Stage, status events.Status, detail string) {
	if o.events == nil {
		return
	}
	event := events.Event{
		RunID:  res.RunID,
		Stage:  string(stage),
		Status: status,
		Owner:  res.Owner.Hex(),
		Detail: detail,
		Time:   o.now(),
	}
	if res.Burner != (common.Address{}) {
		event.Burner = res.Burner.Hex()
	}
	if status == events.StatusFailed {
		event.Code = string(res.Code)
	}
	if err := o.events.Publish(context.WithoutCancel(ctx), event); err != nil {
		o.log.Warn("publish stage event failed", slog.String("stage", string(stage)), slog.Any("error", err))
	}
}

func (o *Orchestrator) record(ctx context.Context, log *slog.Logger, res *Result) {
	if o.history == nil {
		return
	}
	saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := o.history.Save(saveCtx, toRecord(o.settings.Worker, res)); err != nil {
		log.Warn("save run record failed", slog.Any("error", err))
	}
}

func toRecord(worker string, res *Result) storage.RunRecord {
	record := storage.RunRecord{
		ID:         res.RunID,
		Worker:     worker,
		Owner:      res.Owner.Hex(),
		State:      string(res.State),
		Stage:      string(res.Stage),
		Reason:     res.Reason,
		StartedAt:  res.StartedAt.Unix(),
		FinishedAt: res.FinishedAt.Unix(),
	}
	if res.Burner != (common.Address{}) {
		record.Burner = res.Burner.Hex()
	}
	for _, id := range res.Tokens {
		record.Tokens = append(record.Tokens, id.String())
	}
	for _, sub := range res.Submissions {
		record.TxHashes = append(record.TxHashes, sub.Hash.Hex())
	}
	return record
}
