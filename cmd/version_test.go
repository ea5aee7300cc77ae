package cmd

import (
	"fmt"
	"io"
	"os"
	"testing"

	"github.com/kaspercito/oliver/oliver"
	"github.com/stretchr/testify/assert"
)

func TestVersionCommand(t *testing.T) {
	originalVersion := oliver.Version
	originalCommitSHA := oliver.CommitSHA
	originalBuildTime := oliver.BuildTime

	t.Cleanup(
		func() {
			oliver.Version = originalVersion
			oliver.CommitSHA = originalCommitSHA
			oliver.BuildTime = originalBuildTime
		},
	)

	oliver.Version = "1.0.0"
	oliver.CommitSHA = "abc123"
	oliver.BuildTime = "2023-10-01T12:00:00Z"

	orig := os.Stdout
	r, w, _ := os.Pipe()
	os.Stdout = w
	t.Cleanup(
		func() {
			os.Stdout = orig
		},
	)

	// Capture the output
	versionCmd.Run(nil, nil)

	_ = w.Close()

	out, _ := io.ReadAll(r)
	output := string(out)
	t.Logf("output: %s", string(out))
	expected := fmt.Sprintf(
		"version=%s commit=%s built: %s",
		oliver.Version,
		oliver.CommitSHA,
		oliver.BuildTime,
	)
	assert.Equal(t, expected, output)
}
