package transfer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/textproto"
	"strings"
	"time"

	"github.com/jlaffaye/ftp"
	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"

	"castpanel/internal/models"
	"castpanel/internal/sshpool"
)

// remoteFile is an open remote source positioned at the resume offset. The
// close callback tears down whatever transport the fetcher set up; broken
// tells it the stream died mid-copy so pooled connections are not recycled.
type remoteFile struct {
	reader io.Reader
	size   int64
	close  func(broken bool)
}

type fetcher interface {
	Open(ctx context.Context, cred models.TransferCredential, path string, offset int64) (*remoteFile, error)
}

// sftpFetcher reads remote files over SFTP using connections checked out of
// the shared SSH pool.
type sftpFetcher struct {
	pool *sshpool.Pool
}

func (f *sftpFetcher) Open(ctx context.Context, cred models.TransferCredential, path string, offset int64) (*remoteFile, error) {
	lease, err := f.pool.Acquire(ctx, cred)
	if err != nil {
		return nil, err
	}
	client, ok := lease.Conn().(*ssh.Client)
	if !ok {
		lease.Discard()
		return nil, errors.New("pooled connection does not carry an ssh client")
	}
	session, err := sftp.NewClient(client)
	if err != nil {
		lease.Discard()
		return nil, fmt.Errorf("open sftp session: %w", err)
	}
	info, err := session.Stat(path)
	if err != nil {
		session.Close()
		lease.Release()
		return nil, fmt.Errorf("stat %s: %w", path, err)
	}
	file, err := session.Open(path)
	if err != nil {
		session.Close()
		lease.Release()
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	if offset > 0 {
		if _, err := file.Seek(offset, io.SeekStart); err != nil {
			file.Close()
			session.Close()
			lease.Release()
			return nil, fmt.Errorf("seek %s to %d: %w", path, offset, err)
		}
	}
	return &remoteFile{
		reader: file,
		size:   info.Size(),
		close: func(broken bool) {
			file.Close()
			session.Close()
			if broken {
				lease.Discard()
			} else {
				lease.Release()
			}
		},
	}, nil
}

// ftpFetcher reads remote files over plain FTP. Legacy hosts get a fresh
// control connection per attempt; there is no pooling to amortize.
type ftpFetcher struct {
	timeout time.Duration
}

func (f *ftpFetcher) Open(ctx context.Context, cred models.TransferCredential, path string, offset int64) (*remoteFile, error) {
	timeout := f.timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	port := cred.Port
	if port <= 0 {
		port = 21
	}
	addr := fmt.Sprintf("%s:%d", cred.Host, port)
	conn, err := ftp.Dial(addr, ftp.DialWithContext(ctx), ftp.DialWithTimeout(timeout))
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	if err := conn.Login(cred.Username, cred.Password); err != nil {
		conn.Quit()
		return nil, fmt.Errorf("ftp login: %w", err)
	}
	size, err := conn.FileSize(path)
	if err != nil {
		conn.Quit()
		return nil, fmt.Errorf("size %s: %w", path, err)
	}
	resp, err := conn.RetrFrom(path, uint64(offset))
	if err != nil {
		conn.Quit()
		return nil, fmt.Errorf("retrieve %s from %d: %w", path, offset, err)
	}
	return &remoteFile{
		reader: resp,
		size:   size,
		close: func(bool) {
			resp.Close()
			conn.Quit()
		},
	}, nil
}

// permanentFailure reports whether an error should fail the job immediately
// instead of consuming retry attempts. Authentication and permission problems
// do not heal on their own.
func permanentFailure(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, fs.ErrNotExist) || errors.Is(err, fs.ErrPermission) {
		return true
	}
	var protoErr *textproto.Error
	if errors.As(err, &protoErr) {
		switch protoErr.Code {
		case ftp.StatusNotLoggedIn, ftp.StatusFileUnavailable:
			return true
		}
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "unable to authenticate"):
		return true
	case strings.Contains(msg, "permission denied"):
		return true
	case strings.Contains(msg, "no such file"):
		return true
	case strings.Contains(msg, "transfer credential"):
		return true
	}
	return false
}
