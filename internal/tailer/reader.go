package tailer

import (
	"fmt"
	"io"
	"os"
	"strings"

	"go.uber.org/zap"
)

// Reader pulls complete new lines from a tracked file each poll cycle.
type Reader struct {
	positions *Positions
	logger    *zap.Logger
}

// NewReader creates a reader over the given position map.
func NewReader(positions *Positions, logger *zap.Logger) *Reader {
	return &Reader{positions: positions, logger: logger}
}

// ReadNew returns all complete lines appended since the last call.
// A trailing partial line (no newline yet) is held back by not advancing
// the watermark past the last newline, so it is re-read whole next cycle.
// A missing file is not an error: the agent may not have started logging.
func (r *Reader) ReadNew(path string) ([]string, error) {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to stat %s: %w", path, err)
	}

	size := info.Size()
	offset := r.positions.GetSafePosition(path, size)
	if size <= offset {
		// Nothing new; refresh the size so the snapshot stays accurate.
		r.positions.SetPosition(path, offset, size)
		return nil, nil
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()

	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return nil, fmt.Errorf("failed to seek %s: %w", path, err)
	}

	buf := make([]byte, size-offset)
	n, err := io.ReadFull(f, buf)
	if err != nil && err != io.ErrUnexpectedEOF {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	chunk := string(buf[:n])

	// Only consume up to the last complete line.
	last := strings.LastIndexByte(chunk, '\n')
	if last < 0 {
		r.positions.SetPosition(path, offset, size)
		return nil, nil
	}
	consumed := chunk[:last+1]
	r.positions.SetPosition(path, offset+int64(last+1), size)

	lines := strings.Split(consumed, "\n")
	out := make([]string, 0, len(lines))
	for _, line := range lines {
		line = strings.TrimRight(line, "\r")
		if line != "" {
			out = append(out, line)
		}
	}
	return out, nil
}
