// Command acmectl wires the library packages (acmeprotocol, challenge,
// storage, scheduler, orchestrator) into a runnable certificate manager. It
// is deliberately thin: no TOML config loader, no REST admin API, no
// webhook/metrics delivery (all explicit Non-goals) — just enough flag
// parsing to drive the library for a single-process deployment, in the
// spirit of cpu-acmeshell's cmd/acmeshell/main.go without the interactive
// REPL (CLI front-end is itself a Non-goal; this is wiring, not a shell).
package main

import (
	"context"
	"encoding/hex"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/cpu/acmecore/acmeprotocol"
	"github.com/cpu/acmecore/acmeprotocol/keys"
	"github.com/cpu/acmecore/challenge"
	"github.com/cpu/acmecore/challenge/http01"
	"github.com/cpu/acmecore/challenge/tlsalpn01"
	"github.com/cpu/acmecore/config"
	"github.com/cpu/acmecore/orchestrator"
	"github.com/cpu/acmecore/scheduler"
	"github.com/cpu/acmecore/storage"
	"github.com/cpu/acmecore/storage/certstore"
	"github.com/cpu/acmecore/storage/encrypted"
	"github.com/cpu/acmecore/storage/filestore"
)

func main() {
	directory := flag.String("directory", "https://acme-staging-v02.api.letsencrypt.org/directory", "ACME directory URL")
	domains := flag.String("domains", "", "Comma-separated domain list to keep certified")
	contact := flag.String("contact", "", "Contact email (without mailto: scheme)")
	storageDir := flag.String("storage", "acmectl-data", "Directory to persist certificates and account state under")
	encryptionKeyHex := flag.String("encryption-key", "", "Optional 64-hex-char (32-byte) AES-256-GCM key to encrypt storage at rest")
	httpAddr := flag.String("http01-addr", ":80", "Listen address for the HTTP-01 solver")
	tlsAddr := flag.String("tlsalpn01-addr", ":443", "Listen address for the TLS-ALPN-01 solver")
	renewBeforeDays := flag.Int("renew-before-days", 30, "Days ahead of expiry a certificate becomes due for renewal")
	checkIntervalSecs := flag.Int("check-interval-secs", 3600, "Seconds between renewal scans")
	concurrency := flag.Int("concurrency", 2, "Maximum renewals running concurrently (scheduler.Advanced)")
	once := flag.Bool("once", false, "Provision/renew once and exit, instead of running the scheduler loop")
	advanced := flag.Bool("advanced", false, "Use the bounded-concurrency priority-queue scheduler instead of the single-loop one")
	flag.Parse()

	if *domains == "" {
		fmt.Fprintln(os.Stderr, "acmectl: -domains is required")
		os.Exit(2)
	}
	domainList := strings.Split(*domains, ",")
	for i := range domainList {
		domainList[i] = strings.TrimSpace(domainList[i])
	}

	cfg := &config.Config{
		DirectoryURL:         *directory,
		Contacts:             []string{"mailto:" + *contact},
		TermsOfServiceAgreed: true,
		RenewBeforeDays:      *renewBeforeDays,
		CheckIntervalSeconds: *checkIntervalSecs,
		Concurrency:          *concurrency,
	}
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		log.Fatalf("acmectl: invalid configuration: %v", err)
	}

	var store storage.Backend
	fileBackend, err := filestore.New(*storageDir)
	if err != nil {
		log.Fatalf("acmectl: %v", err)
	}
	store = fileBackend
	if *encryptionKeyHex != "" {
		key, err := decodeHexKey(*encryptionKeyHex)
		if err != nil {
			log.Fatalf("acmectl: %v", err)
		}
		store, err = encrypted.New(fileBackend, key)
		if err != nil {
			log.Fatalf("acmectl: %v", err)
		}
	}
	certs := certstore.New(store)

	client, err := acmeprotocol.NewClient(acmeprotocol.ClientOptions{DirectoryURL: cfg.DirectoryURL})
	if err != nil {
		log.Fatalf("acmectl: building ACME client: %v", err)
	}

	registry := challenge.NewRegistry()
	registry.Register(http01.NewSolver(*httpAddr))
	registry.Register(tlsalpn01.NewSolver(*tlsAddr))

	mgr, err := orchestrator.New(orchestrator.Options{
		Client:      client,
		Registry:    registry,
		Certs:       certs,
		CertKeyType: keys.ECDSA,
		Logf:        log.Printf,
	})
	if err != nil {
		log.Fatalf("acmectl: %v", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if _, err := client.Account.Register(ctx, cfg.Contacts, cfg.TermsOfServiceAgreed); err != nil {
		log.Fatalf("acmectl: registering account: %v", err)
	}

	if _, err := mgr.Validate(ctx, domainList, false); err != nil {
		log.Printf("acmectl: no valid certificate on file for %v, provisioning: %v", domainList, err)
		if _, err := mgr.Provision(ctx, domainList); err != nil {
			log.Fatalf("acmectl: provisioning %v: %v", domainList, err)
		}
	}

	if *once {
		runRenewals(ctx, mgr, cfg)
		return
	}

	hooks := scheduler.Hooks{
		BeforeRenewal: func(_ context.Context, t *scheduler.RenewalTask) {
			log.Printf("acmectl: renewing %v (expires %s)", t.Domains, t.NotAfter)
		},
		AfterRenewal: func(_ context.Context, t *scheduler.RenewalTask, err error) {
			if err != nil {
				log.Printf("acmectl: renewal of %v failed: %v", t.Domains, err)
				return
			}
			log.Printf("acmectl: renewed %v", t.Domains)
		},
	}

	if *advanced {
		runAdvanced(ctx, mgr, cfg, hooks)
		return
	}

	sched := scheduler.NewSimple(mgr.DueForRenewal, mgr.RenewTask, scheduler.SimpleOptions{
		CheckInterval: cfg.CheckInterval(),
		RenewBefore:   cfg.RenewBefore(),
		Hooks:         hooks,
	})
	if err := sched.Run(ctx); err != nil && ctx.Err() == nil {
		log.Fatalf("acmectl: scheduler: %v", err)
	}
}

// runRenewals performs a single due-for-renewal scan and renews whatever it
// finds sequentially, for -once invocations (e.g. driven by an external
// cron rather than acmectl's own ticker).
func runRenewals(ctx context.Context, mgr *orchestrator.Manager, cfg *config.Config) {
	due, err := mgr.DueForRenewal(ctx, cfg.RenewBefore())
	if err != nil {
		log.Fatalf("acmectl: scanning for renewals: %v", err)
	}
	for _, task := range due {
		if err := mgr.RenewTask(ctx, task); err != nil {
			log.Printf("acmectl: renewing %v: %v", task.Domains, err)
		}
	}
}

// runAdvanced drives scheduler.Advanced: a separate ticker performs the
// scan (Advanced itself has no notion of "due", only a queue) and feeds
// whatever's due into the bounded-concurrency worker pool via Enqueue.
func runAdvanced(ctx context.Context, mgr *orchestrator.Manager, cfg *config.Config, hooks scheduler.Hooks) {
	sched := scheduler.NewAdvanced(mgr.RenewTask, scheduler.AdvancedOptions{
		Concurrency: cfg.Concurrency,
		Hooks:       hooks,
	})

	go func() {
		sched.Run(ctx)
	}()

	ticker := time.NewTicker(cfg.CheckInterval())
	defer ticker.Stop()
	for {
		due, err := mgr.DueForRenewal(ctx, cfg.RenewBefore())
		if err != nil {
			log.Printf("acmectl: scanning for renewals: %v", err)
		}
		for _, task := range due {
			if err := sched.Enqueue(task); err != nil {
				log.Printf("acmectl: enqueueing %v: %v", task.Domains, err)
			}
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func decodeHexKey(s string) ([]byte, error) {
	key, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("decoding encryption key: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("encryption key must decode to 32 bytes, got %d", len(key))
	}
	return key, nil
}
