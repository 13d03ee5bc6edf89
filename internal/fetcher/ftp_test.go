package fetcher

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/enrich-cli/internal/resilience"
)

// ftpServer speaks just enough FTP for anonymous passive RETR.
type ftpServer struct {
	ln    net.Listener
	files map[string]string
	wg    sync.WaitGroup
}

func newFTPServer(t *testing.T, files map[string]string) *ftpServer {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	s := &ftpServer{ln: ln, files: files}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			s.wg.Add(1)
			go s.handle(conn)
		}
	}()
	t.Cleanup(func() {
		ln.Close() //nolint:errcheck
		s.wg.Wait()
	})
	return s
}

func (s *ftpServer) url(p string) string {
	return fmt.Sprintf("ftp://%s%s", s.ln.Addr().String(), p)
}

func (s *ftpServer) handle(conn net.Conn) {
	defer s.wg.Done()
	defer conn.Close()                                 //nolint:errcheck
	conn.SetDeadline(time.Now().Add(10 * time.Second)) //nolint:errcheck

	w := bufio.NewWriter(conn)
	r := bufio.NewReader(conn)
	reply := func(format string, args ...any) {
		fmt.Fprintf(w, format+"\r\n", args...) //nolint:errcheck
		w.Flush()                              //nolint:errcheck
	}
	reply("220 ready")

	var data net.Listener
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return
		}
		cmd, arg, _ := strings.Cut(strings.TrimSpace(line), " ")
		switch strings.ToUpper(cmd) {
		case "USER", "PASS":
			reply("230 logged in")
		case "FEAT":
			reply("211-Features:\r\n UTF8\r\n211 End")
		case "TYPE", "OPTS":
			reply("200 ok")
		case "EPSV":
			if data, err = net.Listen("tcp", "127.0.0.1:0"); err != nil {
				reply("425 no data connection")
				continue
			}
			reply("229 Entering Extended Passive Mode (|||%d|)", data.Addr().(*net.TCPAddr).Port)
		case "PASV":
			if data, err = net.Listen("tcp", "127.0.0.1:0"); err != nil {
				reply("425 no data connection")
				continue
			}
			port := data.Addr().(*net.TCPAddr).Port
			reply("227 Entering Passive Mode (127,0,0,1,%d,%d)", port/256, port%256)
		case "RETR":
			content, ok := s.files[arg]
			if data == nil || !ok {
				reply("550 not found")
				if data != nil {
					data.Close() //nolint:errcheck
					data = nil
				}
				continue
			}
			reply("150 opening data connection")
			dc, err := data.Accept()
			if err != nil {
				reply("425 no data connection")
				continue
			}
			io.WriteString(dc, content) //nolint:errcheck
			dc.Close()                  //nolint:errcheck
			data.Close()                //nolint:errcheck
			data = nil
			reply("226 transfer complete")
		case "QUIT":
			reply("221 bye")
			return
		default:
			reply("502 not implemented")
		}
	}
}

func TestParseFTPURL(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name     string
		url      string
		wantHost string
		wantPath string
		wantErr  bool
	}{
		{"default port", "ftp://ftp.sec.gov/reports/10k.htm", "ftp.sec.gov:21", "/reports/10k.htm", false},
		{"explicit port", "ftp://127.0.0.1:2121/a.txt", "127.0.0.1:2121", "/a.txt", false},
		{"wrong scheme", "https://example.com/a.txt", "", "", true},
		{"empty path", "ftp://example.com", "", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			host, p, err := parseFTPURL(tt.url)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantHost, host)
			assert.Equal(t, tt.wantPath, p)
		})
	}
}

func TestFTPFetcher_Fetch(t *testing.T) {
	srv := newFTPServer(t, map[string]string{
		"/reports/annual.txt": "Revenue grew 12% year over year.",
	})
	f := NewFTPFetcher(FTPOptions{Timeout: 5 * time.Second, RatePerHost: 100})

	doc, err := f.Fetch(context.Background(), srv.url("/reports/annual.txt"))
	require.NoError(t, err)
	assert.Equal(t, "Revenue grew 12% year over year.", string(doc.Body))
	assert.True(t, strings.HasPrefix(doc.ContentType, "text/plain"), doc.ContentType)
}

func TestFTPFetcher_Fetch_TooLarge(t *testing.T) {
	srv := newFTPServer(t, map[string]string{"/big.txt": strings.Repeat("x", 64)})
	f := NewFTPFetcher(FTPOptions{Timeout: 5 * time.Second, MaxBytes: 16, RatePerHost: 100})

	_, err := f.Fetch(context.Background(), srv.url("/big.txt"))
	require.ErrorIs(t, err, ErrTooLarge)
}

func TestFTPFetcher_Download_NotFound(t *testing.T) {
	srv := newFTPServer(t, map[string]string{"/a.txt": "a"})
	f := NewFTPFetcher(FTPOptions{Timeout: 5 * time.Second, RatePerHost: 100})

	_, err := f.Download(context.Background(), srv.url("/missing.txt"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ftp retrieve")
	assert.False(t, resilience.IsTransient(err))
}

func TestFTPFetcher_Download_ConnectionRefused(t *testing.T) {
	t.Parallel()
	f := NewFTPFetcher(FTPOptions{Timeout: 2 * time.Second})

	_, err := f.Download(context.Background(), "ftp://127.0.0.1:19999/file.txt")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ftp dial")
	assert.True(t, resilience.IsTransient(err))
}

func TestFTPFetcher_Download_InvalidURL(t *testing.T) {
	t.Parallel()
	f := NewFTPFetcher(FTPOptions{})

	_, err := f.Download(context.Background(), "ftp://example.com")
	require.Error(t, err)
	assert.True(t, resilience.IsValidation(err))
}

func TestFTPConnReader_PartialReadThenClose(t *testing.T) {
	srv := newFTPServer(t, map[string]string{"/t.txt": "read close test"})
	f := NewFTPFetcher(FTPOptions{Timeout: 5 * time.Second, RatePerHost: 100})

	rc, err := f.Download(context.Background(), srv.url("/t.txt"))
	require.NoError(t, err)

	buf := make([]byte, 4)
	n, err := rc.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "read", string(buf[:n]))
	require.NoError(t, rc.Close())
}
