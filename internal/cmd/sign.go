package cmd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"

	"github.com/oarkflow/codesign/internal/aggregator"
	"github.com/oarkflow/codesign/internal/config"
	"github.com/oarkflow/codesign/internal/container"
	"github.com/oarkflow/codesign/internal/deps"
	"github.com/oarkflow/codesign/internal/fileref"
	"github.com/oarkflow/codesign/internal/hook"
	"github.com/oarkflow/codesign/internal/keymaterial"
	"github.com/oarkflow/codesign/internal/mage"
	"github.com/oarkflow/codesign/internal/manifest"
	"github.com/oarkflow/codesign/internal/plugin"
	"github.com/oarkflow/codesign/internal/probe"
	"github.com/oarkflow/codesign/internal/signer"
	"github.com/oarkflow/codesign/internal/signresult"
	"github.com/oarkflow/codesign/internal/tmpl"
	"github.com/oarkflow/codesign/internal/xmldsig"
)

var (
	signMatcher     []string
	signAntiMatcher []string
	signNoRecurse   bool
	signAppName     string
	signPublisher   string
	signPluginDir   string
	signResultFile  string
	signCertFile    string
	signKeyFile     string
)

var signCmd = &cobra.Command{
	Use:   "sign [files...]",
	Short: "Sign the given files, recursing into any nested containers they are or contain",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runSign,
}

func init() {
	signCmd.Flags().StringSliceVar(&signMatcher, "matcher", nil, "glob patterns selecting which files inside a container are signed")
	signCmd.Flags().StringSliceVar(&signAntiMatcher, "anti-matcher", nil, "glob patterns (without the leading '!') excluded from --matcher's selection")
	signCmd.Flags().BoolVar(&signNoRecurse, "no-recurse", false, "dispatch files to leaf signers without opening any containers")
	signCmd.Flags().StringVar(&signAppName, "application-name", "", "application name passed to the manifest-update utility (C5)")
	signCmd.Flags().StringVar(&signPublisher, "publisher-name", "", "publisher name; falls back to the signing certificate's subject when unset")
	signCmd.Flags().StringVar(&signPluginDir, "plugin-dir", "", "directory of dynamically loaded leaf-signer plugins (default ~/.codesign/plugins)")
	signCmd.Flags().StringVar(&signResultFile, "result-file", "", "path to write the sign-order ledger to as JSON")
	signCmd.Flags().StringVar(&signCertFile, "cert-file", "", "PEM/PKCS#7 certificate file")
	signCmd.Flags().StringVar(&signKeyFile, "key-file", "", "PEM/PKCS#8 RSA private key file")
}

func runSign(cmd *cobra.Command, args []string) error {
	cfg, err := loadSignConfig()
	if err != nil {
		return err
	}
	opts := cfg.Options
	if cmd.Flags().Changed("matcher") {
		opts.Matcher = signMatcher
	}
	if cmd.Flags().Changed("anti-matcher") {
		opts.AntiMatcher = signAntiMatcher
	}
	if cmd.Flags().Changed("no-recurse") {
		opts.RecurseContainers = !signNoRecurse
	} else if cfgFile == "" {
		// No config file and no explicit flag: recursing into containers
		// is the useful default for a bare `codesign sign <files>` call.
		opts.RecurseContainers = true
	}
	if signAppName != "" {
		opts.ApplicationName = signAppName
	}
	if signPublisher != "" {
		opts.PublisherName = signPublisher
	}
	if signCertFile != "" {
		cfg.Certificate.CertFile = signCertFile
	}
	if signKeyFile != "" {
		cfg.Certificate.KeyFile = signKeyFile
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	refs := make([]fileref.Ref, 0, len(args))
	needsPE, needsAppBundle, needsManifest, needsChecksum := false, false, false, false
	for _, a := range args {
		abs, err := filepath.Abs(a)
		if err != nil {
			return fmt.Errorf("failed to resolve path %q: %w", a, err)
		}
		ref := fileref.New(abs)
		refs = append(refs, ref)
		switch {
		case ref.HasExt(".application", ".vsto"):
			needsManifest = true
		case ref.HasExt(".app"):
			needsAppBundle = true
		case ref.HasExt(".sha256", ".sha1", ".sha512", ".md5"):
			needsChecksum = true
		case probe.IsPortableExecutable(abs):
			needsPE = true
		}
	}
	deps.Preflight(needsManifest, needsPE, needsAppBundle, needsChecksum)

	keys := keymaterial.NewFileProvider(cfg.Certificate.CertFile, cfg.Certificate.KeyFile)
	mageInvoker := mage.NewInvoker(cfg.Mage)
	xmlSigner := xmldsig.NewDefaultSigner()
	registry := signer.NewRegistry()

	results := signresult.NewManager()
	tctx := tmpl.New(cfg.Variables)
	containers := container.NewProvider()
	agg := aggregator.New(containers, registry, results, tctx, cfg.Certificate, parallelism)

	manifestSigner := manifest.New(agg, keys, mageInvoker, xmlSigner)
	registry.Register(manifestSigner)

	pluginMgr := plugin.NewManager(signPluginDir)
	if err := pluginMgr.LoadAll(registry); err != nil {
		log.Warn("failed to load signer plugins", "error", err)
	}

	runTimeout, err := time.ParseDuration(timeout)
	if err != nil {
		return fmt.Errorf("invalid --timeout %q: %w", timeout, err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), runTimeout)
	defer cancel()

	workDir, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("failed to determine working directory: %w", err)
	}
	hooks := hook.NewGlobalHooks(cfg.Before, cfg.After, tctx, workDir)
	if err := hooks.RunBefore(ctx); err != nil {
		return fmt.Errorf("before hook failed: %w", err)
	}

	signErr := agg.SignAsync(ctx, refs, opts)

	if err := hooks.RunAfter(ctx); err != nil {
		log.Warn("after hook failed", "error", err)
	}

	for _, e := range results.Sorted() {
		log.Info("signed", "path", e.Path, "signer", e.Signer, "pass", e.Pass)
	}
	if signResultFile != "" {
		if err := results.Save(signResultFile); err != nil {
			log.Warn("failed to write sign-result ledger", "path", signResultFile, "error", err)
		}
	}

	return signErr
}

func loadSignConfig() (*config.Config, error) {
	path := cfgFile
	if path == "" {
		path = ".codesign.yaml"
	}
	if _, err := os.Stat(path); err != nil {
		if cfgFile != "" {
			return nil, fmt.Errorf("config file not found: %s", cfgFile)
		}
		return &config.Config{Options: config.Options{FileHashAlgorithm: "sha256", TimestampHashAlgorithm: "sha256"}, Mage: config.Mage{Binary: "mage", RetryDelay: time.Second}}, nil
	}
	return config.Load(path)
}
