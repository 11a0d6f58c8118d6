package reporter

import (
	"bufio"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ethpandaops/testrelay/pkg/event"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() logrus.FieldLogger {
	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	return log
}

func TestReporter_Inert(t *testing.T) {
	r := NewReporter(testLogger(), &Config{})
	assert.False(t, r.Enabled())

	id := event.NewTestID("com.fakeclass", "faketest")

	require.NoError(t, r.TestStarted(id))
	require.NoError(t, r.TestFailed(id, event.SeverityFailure, "fake failure"))
	require.NoError(t, r.TestEnded(id, map[string]string{}))
	require.NoError(t, r.InvocationFailed(errors.New("boom")))
	require.NoError(t, r.Close())

	// Still inert after close.
	require.NoError(t, r.TestRunStarted("TEST", 1))
	require.NoError(t, r.Close())
}

func TestReporter_NilConfigIsInert(t *testing.T) {
	r := NewReporter(testLogger(), nil)
	assert.False(t, r.Enabled())
	require.NoError(t, r.TestRunStarted("TEST", 5))
	require.NoError(t, r.Close())
}

func TestReporter_PrintToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "subprocess-reporter.unittest")
	require.NoError(t, os.WriteFile(path, nil, 0o644))

	r := NewReporter(testLogger(), &Config{File: path})
	require.True(t, r.Enabled())

	require.NoError(t, r.TestRunStarted("TEST", 5))
	require.NoError(t, r.TestRunEnded(100, map[string]string{}))

	// Lines are flushed per call, before Close.
	content, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t,
		"TEST_RUN_STARTED {\"testCount\":5,\"runName\":\"TEST\"}\n"+
			"TEST_RUN_ENDED {\"time\":100}\n",
		string(content),
	)

	require.NoError(t, r.Close())
}

func TestReporter_FileIsAppended(t *testing.T) {
	path := filepath.Join(t.TempDir(), "report.log")
	require.NoError(t, os.WriteFile(path, []byte("TEST_RUN_STOPPED {\"time\":1}\n"), 0o644))

	r := NewReporter(testLogger(), &Config{File: path})
	require.NoError(t, r.TestRunFailed("no reason"))
	require.NoError(t, r.Close())

	content, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t,
		"TEST_RUN_STOPPED {\"time\":1}\nTEST_RUN_FAILED {\"reason\":\"no reason\"}\n",
		string(content),
	)
}

func TestReporter_NonWritableFile(t *testing.T) {
	if os.Geteuid() == 0 {
		t.Skip("file permissions are not enforced for root")
	}

	path := filepath.Join(t.TempDir(), "subprocess-reporter.unittest")
	require.NoError(t, os.WriteFile(path, nil, 0o644))
	require.NoError(t, os.Chmod(path, 0o444))

	abs, err := filepath.Abs(path)
	require.NoError(t, err)

	r := NewReporter(testLogger(), &Config{File: abs})

	err = r.TestRunStarted("TEST", 5)
	require.Error(t, err)
	assert.Equal(t, fmt.Sprintf("report file: %s is not writable", abs), err.Error())

	var notWritable *NotWritableError
	require.ErrorAs(t, err, &notWritable)
	assert.Equal(t, abs, notWritable.Path)

	// The failure is sticky.
	err = r.TestRunEnded(1, nil)
	require.Error(t, err)
	assert.Equal(t, fmt.Sprintf("report file: %s is not writable", abs), err.Error())

	require.NoError(t, r.Close())
}

func TestReporter_DirectoryIsNotWritable(t *testing.T) {
	dir := t.TempDir()

	r := NewReporter(testLogger(), &Config{File: dir})

	err := r.TestRunStarted("TEST", 5)
	require.Error(t, err)
	assert.Equal(t, fmt.Sprintf("report file: %s is not writable", dir), err.Error())
	require.NoError(t, r.Close())
}

func TestReporter_UnreachablePort(t *testing.T) {
	// Bind then release a port so nothing is listening on it.
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	port := l.Addr().(*net.TCPAddr).Port
	require.NoError(t, l.Close())

	r := NewReporter(testLogger(), &Config{Port: port, Host: "127.0.0.1", DialTimeout: time.Second})

	err = r.TestRunStarted("TEST", 1)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "report socket: cannot connect to")
	require.NoError(t, r.Close())
}

func TestReporter_PrintToSocket(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	defer l.Close()

	lines := make(chan string, 8)

	go func() {
		conn, err := l.Accept()
		if err != nil {
			close(lines)

			return
		}
		defer conn.Close()

		scanner := bufio.NewScanner(conn)
		for scanner.Scan() {
			lines <- scanner.Text()
		}

		close(lines)
	}()

	r := NewReporter(testLogger(), &Config{
		Port: l.Addr().(*net.TCPAddr).Port,
		Host: "127.0.0.1",
	})

	id := event.NewTestID("com.fakeclass", "faketest")
	require.NoError(t, r.TestIgnored(id))
	require.NoError(t, r.TestRunStopped(5))
	require.NoError(t, r.Close())

	var got []string
	for line := range lines {
		got = append(got, line)
	}

	assert.Equal(t, []string{
		`TEST_IGNORED {"className":"com.fakeclass","testName":"faketest"}`,
		`TEST_RUN_STOPPED {"time":5}`,
	}, got)
}

func TestReporter_CloseIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "report.log")

	r := NewReporter(testLogger(), &Config{File: path})
	require.NoError(t, r.TestRunStarted("TEST", 1))
	require.NoError(t, r.Close())
	require.NoError(t, r.Close())

	require.ErrorIs(t, r.TestRunEnded(1, nil), ErrClosed)

	content, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "TEST_RUN_STARTED {\"testCount\":1,\"runName\":\"TEST\"}\n", string(content))
}

func TestReporter_CloseNeverOpened(t *testing.T) {
	path := filepath.Join(t.TempDir(), "never.log")

	r := NewReporter(testLogger(), &Config{File: path})
	require.NoError(t, r.Close())
	require.NoError(t, r.Close())

	_, err := os.Stat(path)
	assert.True(t, os.IsNotExist(err))
}
