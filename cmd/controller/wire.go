package main

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/danielpatrickdp/cuidado/internal/codec"
	"github.com/danielpatrickdp/cuidado/internal/config"
	"github.com/danielpatrickdp/cuidado/internal/embedding"
	"github.com/danielpatrickdp/cuidado/internal/gate"
	"github.com/danielpatrickdp/cuidado/internal/helper"
	"github.com/danielpatrickdp/cuidado/internal/llm"
	"github.com/danielpatrickdp/cuidado/internal/logging"
	"github.com/danielpatrickdp/cuidado/internal/memory"
	"github.com/danielpatrickdp/cuidado/internal/orchestrator"
	"github.com/danielpatrickdp/cuidado/internal/policy"
	"github.com/danielpatrickdp/cuidado/internal/safety"
	"github.com/danielpatrickdp/cuidado/internal/shaping"
	"github.com/danielpatrickdp/cuidado/internal/tools"
)

// #region wiring

// app owns everything that needs closing at exit.
type app struct {
	orch  *orchestrator.Orchestrator
	store *memory.Store
	codec *codec.CodecClient
}

func (r *app) Close() {
	if r.codec != nil {
		r.codec.Close()
	}
	if r.store != nil {
		r.store.Close()
	}
}

func build(cfg config.Config, logger *zap.Logger, reg prometheus.Registerer) (*app, error) {
	rt := &app{}

	store, err := memory.NewStore(cfg.DB)
	if err != nil {
		return nil, fmt.Errorf("open store %s: %w", cfg.DB, err)
	}
	rt.store = store

	sqlAudit, err := logging.NewSQLAuditor(store.DB(), logger)
	if err != nil {
		rt.Close()
		return nil, err
	}

	var (
		model llm.Chatter
		embed embedding.Embedder
	)
	switch cfg.Backend {
	case config.BackendCodec:
		cc, err := codec.NewCodecClient(cfg.Codec.Addr)
		if err != nil {
			rt.Close()
			return nil, err
		}
		rt.codec = cc.WithTimeout(cfg.Codec.Timeout)
		model, embed = rt.codec, rt.codec
	default:
		oc, err := llm.NewOllamaClient(cfg.LLMConfig(), logger)
		if err != nil {
			rt.Close()
			return nil, err
		}
		oe, err := embedding.NewOllamaEmbedder(cfg.EmbeddingConfig(), logger)
		if err != nil {
			rt.Close()
			return nil, err
		}
		model, embed = oc, oe
	}
	cached, err := embedding.NewCachedEmbedder(embed, cfg.Retrieval.EmbedCacheSize)
	if err != nil {
		rt.Close()
		return nil, fmt.Errorf("embedding cache: %w", err)
	}

	checker, err := safety.NewChecker(cfg.SafetyConfig())
	if err != nil {
		rt.Close()
		return nil, err
	}

	provider := policy.NewFileProvider(cfg.Policy.Dir, logger)
	deps := orchestrator.Deps{
		Store:    store,
		Embedder: cached,
		Model:    model,
		Gate:     gate.NewGate(cfg.GateConfig()),
		Safety:   checker,
		Policy:   provider,
		Therapy:  provider,
		Tools:    tools.NewRegistry(store),
		Session:  shaping.NewSession(shaping.DefaultUserModel()),
		Auditor:  logging.MultiAuditor{logging.NewZapAuditor(logger), sqlAudit},
		Metrics:  orchestrator.MustNewMetrics(reg),
		Logger:   logger,
	}
	if cfg.Helper.Enabled {
		deps.Helper = helper.NewOpenAIRefiner(cfg.HelperConfig(), logger)
	}

	orch, err := orchestrator.NewOrchestrator(cfg.PipelineConfig(), deps)
	if err != nil {
		rt.Close()
		return nil, err
	}
	rt.orch = orch
	return rt, nil
}

// #endregion wiring
