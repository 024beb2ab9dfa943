package audio

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"strconv"
	"strings"
	"time"
)

// FFPlayPlayer plays encoded clips by piping them into ffplay.
type FFPlayPlayer struct {
	command string
	volume  int
}

func NewFFPlayPlayer(command string, volume int) *FFPlayPlayer {
	if strings.TrimSpace(command) == "" {
		command = "ffplay"
	}
	if volume <= 0 || volume > 100 {
		volume = 80
	}
	return &FFPlayPlayer{command: command, volume: volume}
}

// Play blocks until the clip has finished or ctx is cancelled.
func (p *FFPlayPlayer) Play(ctx context.Context, audio []byte, format string) error {
	if len(audio) == 0 {
		return errors.New("ffplay: empty clip")
	}
	if format == "" {
		format = "mp3"
	}

	args := []string{
		"-hide_banner",
		"-loglevel", "error",
		"-nostats",
		"-nodisp",
		"-autoexit",
		"-volume", strconv.Itoa(p.volume),
		"-f", format,
		"-i", "-",
	}
	cmd := exec.CommandContext(ctx, p.command, args...)
	cmd.WaitDelay = 500 * time.Millisecond
	if runtime.GOOS == "darwin" && os.Getenv("SDL_AUDIODRIVER") == "" {
		cmd.Env = append(os.Environ(), "SDL_AUDIODRIVER=coreaudio")
	}
	cmd.Stdin = bytes.NewReader(audio)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return fmt.Errorf("ffplay failed: %w: %s", err, trimOutput(stderr.String()))
	}
	return nil
}
