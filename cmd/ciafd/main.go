package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"log"

	"ciaf/internal/config"
	"ciaf/internal/domain"
	"ciaf/internal/gates"
	"ciaf/internal/infra/anchors"
	"ciaf/internal/infra/auditdb"
	"ciaf/internal/infra/auditmem"
	"ciaf/internal/infra/batch"
	httpinfra "ciaf/internal/infra/http"
	"ciaf/internal/infra/keys/soft"
	"ciaf/internal/infra/policyfile"
	"ciaf/internal/infra/policyopa"
	"ciaf/internal/infra/trust"
	"ciaf/internal/usecase"
)

func main() {
	cfg := config.FromEnv()

	policy, err := policyfile.Load(cfg.PolicyPath)
	if err != nil {
		log.Fatalf("failed to load policy: %v", err)
	}

	var overlay *policyopa.Engine
	if cfg.OPABundlePath != "" {
		overlay, err = policyopa.NewEngineFromBundlePath(context.Background(), cfg.OPABundlePath, cfg.OPAQuery)
		if err != nil {
			log.Fatalf("failed to load policy overlay: %v", err)
		}
	}

	rootSecret, err := anchorRootSecret(cfg)
	if err != nil {
		log.Fatalf("failed to init anchor root secret: %v", err)
	}

	keys := soft.NewManager()
	trustLayer := trust.NewLayer(keys, nil)
	roles := signerRoles(cfg)
	for _, role := range roles {
		if _, err := trustLayer.Register(string(role)+"-1", role, cfg.KeyValidity()); err != nil {
			log.Fatalf("failed to register signing entity for role %s: %v", role, err)
		}
	}

	var trail domain.TrailStore
	if cfg.PostgresDSN != "" {
		dbTrail, err := auditdb.Open(cfg.PostgresDSN)
		if err != nil {
			log.Fatalf("failed to open audit store: %v", err)
		}
		trail = dbTrail
	} else {
		log.Printf("POSTGRES_DSN unset, using in-memory audit trail")
		trail = auditmem.New()
	}

	batcher := batch.New(batch.Config{
		MaxCount:  cfg.BatchMaxCount,
		MaxAge:    cfg.BatchMaxAge(),
		Roles:     roles,
		Threshold: cfg.BatchThreshold,
	}, trustLayer)
	// The age bound needs a driver: Add only seals on the next arrival,
	// so a quiet period would otherwise leave the last receipts in an
	// open batch past their window.
	go batcher.Run(context.Background(), cfg.BatchMaxAge()/4)

	registry := gates.NewRegistry()
	if err := gates.RegisterDefaults(registry); err != nil {
		log.Fatalf("failed to register gates: %v", err)
	}

	anchorStore := anchors.NewStore(rootSecret, nil)
	sealer := usecase.NewReceiptSealer(trustLayer, nil, cfg.SigningRetries, cfg.SigningBackoff())
	reviews := usecase.NewReviewQueue(nil)

	orchestrator := usecase.NewOrchestrator(usecase.OrchestratorDeps{
		Registry: registry,
		Policy:   policy,
		Overlay:  overlay,
		Anchors:  anchorStore,
		Sealer:   sealer,
		Trail:    trail,
		Batcher:  batcher,
		Reviews:  reviews,
	}, usecase.OrchestratorConfig{
		GateTimeout:       cfg.GateTimeout(),
		EscalationTimeout: cfg.EscalationTimeout(),
	})
	compiler := usecase.NewTrailCompiler(trail, batcher, trustLayer)

	srv := httpinfra.NewServer(cfg, httpinfra.ServerDeps{
		Orchestrator: orchestrator,
		Compiler:     compiler,
		Reviews:      reviews,
		Anchors:      anchorStore,
	})
	if err := srv.Run(); err != nil {
		log.Fatalf("server exited: %v", err)
	}
}

// anchorRootSecret loads the configured root secret, or generates an
// ephemeral one. Ephemeral secrets mean anchors are not reproducible
// across restarts, acceptable only outside production.
func anchorRootSecret(cfg config.Config) ([]byte, error) {
	if cfg.AnchorRootSecretHex != "" {
		return hex.DecodeString(cfg.AnchorRootSecretHex)
	}
	log.Printf("ANCHOR_ROOT_SECRET_HEX unset, generating ephemeral root secret")
	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		return nil, err
	}
	return secret, nil
}

func signerRoles(cfg config.Config) []domain.Role {
	seen := make(map[domain.Role]bool)
	var roles []domain.Role
	add := func(r domain.Role) {
		if !seen[r] {
			seen[r] = true
			roles = append(roles, r)
		}
	}
	for _, raw := range cfg.SignerRoles() {
		add(domain.Role(raw))
	}
	// The orchestrator signs stage receipts as platform operator and
	// review receipts as auditor; both must hold keys.
	add(domain.RolePlatformOperator)
	add(domain.RoleAuditor)
	return roles
}
