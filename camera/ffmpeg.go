package camera

import (
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"path/filepath"
	"strconv"
	"time"
)

func frameFilename(id int) string {
	return fmt.Sprintf("image%06d.jpg", id)
}

// encodeVideo builds an mp4 out of the numbered JPEG frames in dir.
func encodeVideo(ctx context.Context, log *slog.Logger, ffmpeg, dir string, fps int, target string) error {
	ctx, cancel := context.WithTimeout(ctx, time.Minute*10)
	defer cancel()

	args := []string{
		"-y",
		"-r", strconv.Itoa(fps),
		"-f", "image2",
		"-i", filepath.Join(dir, "image%06d.jpg"),
		"-vcodec", "libx264",
		"-pix_fmt", "yuv420p",
		target,
	}
	log.DebugContext(ctx, "ffmpeg args", "args", args)
	output, err := exec.CommandContext(ctx, ffmpeg, args...).CombinedOutput()
	if err != nil {
		log.ErrorContext(ctx, "ffmpeg failed", "err", err, "output", string(output))
		return fmt.Errorf("fail to encode video: %w", err)
	}
	log.DebugContext(ctx, "ffmpeg output", "out", string(output))
	return nil
}
