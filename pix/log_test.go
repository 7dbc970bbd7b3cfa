package pix

import (
	"log"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLogFile(t *testing.T) {
	defer func() {
		logger = stdLogger{}
		log.SetOutput(os.Stderr)
		SetLogMode(InfoMode)
	}()

	filename := filepath.Join(t.TempDir(), "tiles.log")
	c := &LogConfig{Logfile: filename, MaxSize: 1, MaxAge: 1}
	c.SetLogger()

	SetLogMode(WarningMode)
	Infof("dropped below threshold\n")
	Warningf("kept at threshold %d\n", 7)
	tlog := NewTimeLog()
	tlog.Debugf("timed debug")
	SetLogMode(InfoMode)
	tlog.Infof("timed info")
	Shutdown()

	data, err := os.ReadFile(filename)
	if err != nil {
		t.Fatalf("couldn't read log file: %v\n", err)
	}
	out := string(data)
	if strings.Contains(out, "dropped below threshold") {
		t.Errorf("info message logged in warning mode:\n%s\n", out)
	}
	if !strings.Contains(out, " WARNING kept at threshold 7") {
		t.Errorf("missing warning message:\n%s\n", out)
	}
	if strings.Contains(out, "timed debug") {
		t.Errorf("debug message logged in warning mode:\n%s\n", out)
	}
	if !strings.Contains(out, "    INFO timed info: ") {
		t.Errorf("missing timed info message:\n%s\n", out)
	}
}
