// Package shellrunner provides the injectable command-execution seam used
// throughout the daemon's namespace, network, and IPsec operations, so tests
// can exercise command-construction logic without invoking real `ip`, `nft`,
// or `swanctl` binaries.
package shellrunner

import (
	"bytes"
	"context"
	"os/exec"
)

// Runner executes name with args and returns combined stdout+stderr. It
// mirrors the dependency-injection seam the original daemon used around
// subprocess.run, so every command sequence below can be tested by
// substituting a fake Runner.
type Runner func(ctx context.Context, name string, args ...string) ([]byte, error)

// Exec is the real Runner, invoking the host's binaries.
func Exec(ctx context.Context, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	err := cmd.Run()
	return out.Bytes(), err
}
