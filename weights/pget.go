package weights

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"sync"
)

// Pget shells out to the pget download utility, which fetches and extracts
// the archive in one step ("pget -x url dest").
type Pget struct {
	Bin string
}

func NewPget(bin string) *Pget {
	if bin == "" {
		bin = "pget"
	}
	return &Pget{Bin: bin}
}

func (p *Pget) FetchAndExtract(ctx context.Context, url, dest string) error {
	cmd := exec.CommandContext(ctx, p.Bin, "-x", url, dest)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return err
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start %s: %w", p.Bin, err)
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go logLines(&wg, stdout, slog.LevelInfo)
	go logLines(&wg, stderr, slog.LevelWarn)
	// pipes must be drained before Wait closes them
	wg.Wait()

	if err := cmd.Wait(); err != nil {
		return fmt.Errorf("%s -x %s %s: %w", p.Bin, url, dest, err)
	}
	return nil
}

func logLines(wg *sync.WaitGroup, r io.Reader, level slog.Level) {
	defer wg.Done()
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		slog.Log(context.Background(), level, "pget", slog.String("line", scanner.Text()))
	}
}
