/*
Package mage invokes the external application-manifest-update utility
(spec §6's "mage" collaborator) with the retry-once policy spec §4.5.2
requires: one retry, after a configurable delay, on a non-zero exit.
Subprocess plumbing is grounded on internal/hook.Runner's command
construction (environment passthrough, stderr capture), adapted from a
general lifecycle-hook runner to a single fixed external tool with a
known flag surface.
*/
package mage

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"time"

	"github.com/charmbracelet/log"

	"github.com/oarkflow/codesign/internal/config"
)

// Invoker runs the external manifest-update utility.
type Invoker struct {
	binary     string
	retryDelay time.Duration
}

// NewInvoker builds an Invoker from the configured Mage settings.
func NewInvoker(cfg config.Mage) *Invoker {
	binary := cfg.Binary
	if binary == "" {
		binary = "mage"
	}
	delay := cfg.RetryDelay
	if delay <= 0 {
		delay = time.Second
	}
	return &Invoker{binary: binary, retryDelay: delay}
}

// Run invokes the utility with args, retrying exactly once after
// retryDelay if the first attempt exits non-zero (spec §4.5.2). Returns
// the error from the second attempt if that also fails.
func (inv *Invoker) Run(ctx context.Context, args []string) error {
	err := inv.attempt(ctx, args)
	if err == nil {
		return nil
	}

	log.Warn("manifest-update utility failed, retrying once", "binary", inv.binary, "error", err)

	select {
	case <-time.After(inv.retryDelay):
	case <-ctx.Done():
		return ctx.Err()
	}

	if err := inv.attempt(ctx, args); err != nil {
		return fmt.Errorf("manifest-update utility failed after retry: %w", err)
	}
	return nil
}

func (inv *Invoker) attempt(ctx context.Context, args []string) error {
	cmd := exec.CommandContext(ctx, inv.binary, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	log.Debug("running manifest-update utility", "binary", inv.binary, "args", args)
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("%s %v: %w\n%s", inv.binary, args, err, stderr.String())
	}
	return nil
}

// UpdateApplicationArgs builds the exact argument list for updating a
// per-version application manifest in place (spec §4.5.1 step 6):
// -update "<manifestPath>" -a <algo>RSA -n "<applicationName>".
func UpdateApplicationArgs(manifestPath, hashAlgoToken, applicationName string) []string {
	return []string{"-update", manifestPath, "-a", hashAlgoToken + "RSA", "-n", applicationName}
}

// UpdateDeploymentArgs builds the exact argument list for stamping a
// deployment manifest's publisher/support-URL metadata and signing it
// (spec §4.5.1 step 8): -update "<deployPath>" -a <algo>RSA
// -n "<applicationName>" -pub "<publisher>" [-appm "<manifestPath>"]
// [-SupportURL <descriptionUrl>]. manifestPath is included only when
// hasManifest is true (a companion per-version manifest was found);
// supportURL is included only when hasSupportURL is true.
func UpdateDeploymentArgs(deployPath, hashAlgoToken, applicationName, publisher, manifestPath string, hasManifest bool, supportURL string, hasSupportURL bool) []string {
	args := []string{"-update", deployPath, "-a", hashAlgoToken + "RSA", "-n", applicationName, "-pub", publisher}
	if hasManifest {
		args = append(args, "-appm", manifestPath)
	}
	if hasSupportURL {
		args = append(args, "-SupportURL", supportURL)
	}
	return args
}
