package logger

import (
	"bytes"
	"context"
	"testing"

	"github.com/aceld/zinx/ziface"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
)

func TestZinxLoggerAdapter(t *testing.T) {
	var buf bytes.Buffer
	l := logrus.New()
	l.SetOutput(&buf)
	l.SetLevel(logrus.DebugLevel)
	l.SetFormatter(&logrus.JSONFormatter{})

	var adapter ziface.ILogger = NewZinxLoggerAdapter(l)
	adapter.InfoF("server %s started", "dmtp")
	adapter.DebugFX(context.Background(), "worker %d", 3)
	adapter.ErrorF("conn %d lost", 7)

	out := buf.String()
	assert.Contains(t, out, `"msg":"server dmtp started"`)
	assert.Contains(t, out, `"msg":"worker 3"`)
	assert.Contains(t, out, `"level":"error"`)
	assert.Contains(t, out, `"source":"zinx"`)
}
