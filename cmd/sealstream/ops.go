package main

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/kk-code-lab/sealstream/internal/keywrap"
	"github.com/kk-code-lab/sealstream/internal/meta"
	"github.com/kk-code-lab/sealstream/internal/ops"
	"github.com/kk-code-lab/sealstream/internal/storage/bundle"
	"github.com/kk-code-lab/sealstream/internal/storage/fs"
)

type opsConfig struct {
	mode      string
	layout    fs.Layout
	store     *bundle.Store
	meta      *meta.Store
	identity  string
	publicKey string
	label     string
	jsonOut   bool
}

func runOps(cfg opsConfig) error {
	ctx := context.Background()
	switch cfg.mode {
	case "sweep":
		report, err := (&ops.Sweeper{Store: cfg.store, Meta: cfg.meta}).Sweep(ctx)
		if err != nil {
			return err
		}
		if cfg.jsonOut {
			return writeJSON(report)
		}
		fmt.Printf("sweep: expired=%d staging=%d orphan_bundles=%d orphan_rows=%d\n",
			report.Expired, report.StagingDropped, report.OrphanBundles, report.OrphanRows)
		return nil

	case "verify":
		report, err := (&ops.Verifier{Layout: cfg.layout}).Verify(ctx)
		if err != nil {
			return err
		}
		if cfg.jsonOut {
			return writeJSON(report)
		}
		fmt.Printf("verify: assets=%d chunks=%d faults=%d\n", report.Assets, report.Chunks, len(report.Faults))
		for _, f := range report.Faults {
			fmt.Printf("  %s\n", f)
		}
		if len(report.Faults) > 0 {
			return fmt.Errorf("%d faults found", len(report.Faults))
		}
		return nil

	case "identity-add":
		if cfg.identity == "" {
			return fmt.Errorf("identity-add needs -identity")
		}
		publicKey := cfg.publicKey
		var secret string
		if publicKey == "" {
			// No key supplied: mint a keypair. The secret key is printed
			// exactly once and never stored.
			kp, err := keywrap.Generate()
			if err != nil {
				return err
			}
			publicKey, secret = kp.PublicKey, kp.PrivateKey
		}
		if err := keywrap.ValidatePublicKey(publicKey); err != nil {
			return err
		}
		if err := cfg.meta.PutIdentity(ctx, cfg.identity, publicKey, cfg.label); err != nil {
			return err
		}
		fmt.Printf("registered %s\npublic key: %s\n", cfg.identity, publicKey)
		if secret != "" {
			fmt.Printf("secret key (save it now, it is not stored): %s\n", secret)
		}
		return nil

	case "identity-list":
		list, err := cfg.meta.ListIdentities(ctx)
		if err != nil {
			return err
		}
		if cfg.jsonOut {
			return writeJSON(list)
		}
		for _, id := range list {
			fmt.Printf("%s\t%s\t%s\n", id.ID, id.PublicKey, id.Label)
		}
		return nil

	default:
		return fmt.Errorf("unknown mode %q", cfg.mode)
	}
}

func writeJSON(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}
