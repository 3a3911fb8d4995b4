package acquire

import (
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"time"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/airfieldwx/airfieldwx/internal/config"
)

// inboxFile describes one candidate upload
type inboxFile struct {
	Path  string
	Name  string
	Size  int64
	MTime time.Time
}

// inboxFS abstracts the upload inbox so the push strategy works the
// same against a local directory and a remote SFTP host.
type inboxFS interface {
	// Scan walks root recursively and returns the regular files found.
	// A missing root is not an error; it yields an empty list.
	Scan(root string) ([]inboxFile, error)

	// Stat refreshes size and mtime for the stability poll
	Stat(path string) (int64, time.Time, error)

	// Read returns the full file contents
	Read(path string) ([]byte, error)

	// Remove deletes the file from the inbox
	Remove(path string) error

	// Close releases any connection state
	Close() error
}

// localInbox serves uploads landed on the local filesystem by the
// FTP/SFTP server processes.
type localInbox struct{}

func (localInbox) Scan(root string) ([]inboxFile, error) {
	var files []inboxFile
	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		files = append(files, inboxFile{
			Path:  p,
			Name:  d.Name(),
			Size:  info.Size(),
			MTime: info.ModTime(),
		})
		return nil
	})
	if err != nil && os.IsNotExist(err) {
		return nil, nil
	}
	return files, err
}

func (localInbox) Stat(path string) (int64, time.Time, error) {
	info, err := os.Stat(path)
	if err != nil {
		return 0, time.Time{}, err
	}
	return info.Size(), info.ModTime(), nil
}

func (localInbox) Read(path string) ([]byte, error) {
	return os.ReadFile(path)
}

func (localInbox) Remove(path string) error {
	return os.Remove(path)
}

func (localInbox) Close() error {
	return nil
}

// remoteInbox scans an SFTP-hosted inbox: the upload server runs on
// another machine and this daemon drains it over the wire.
type remoteInbox struct {
	cfg        *config.SFTPRemote
	sshClient  *ssh.Client
	sftpClient *sftp.Client
}

func newRemoteInbox(cfg *config.SFTPRemote) *remoteInbox {
	return &remoteInbox{cfg: cfg}
}

// hostKeyCallback verifies the remote host against the configured
// known_hosts file. Without one the key is accepted unverified, which
// is only suitable when the SFTP host sits on a trusted network.
func hostKeyCallback(cfg *config.SFTPRemote) (ssh.HostKeyCallback, error) {
	if cfg.KnownHostsPath == "" {
		return ssh.InsecureIgnoreHostKey(), nil
	}
	cb, err := knownhosts.New(cfg.KnownHostsPath)
	if err != nil {
		return nil, fmt.Errorf("known_hosts %s: %w", cfg.KnownHostsPath, err)
	}
	return cb, nil
}

func (r *remoteInbox) connect() error {
	if r.sftpClient != nil {
		return nil
	}

	port := r.cfg.Port
	if port == 0 {
		port = 22
	}

	hostKey, err := hostKeyCallback(r.cfg)
	if err != nil {
		return err
	}
	sshConfig := &ssh.ClientConfig{
		User: r.cfg.Username,
		Auth: []ssh.AuthMethod{
			ssh.Password(r.cfg.Password),
		},
		HostKeyCallback: hostKey,
		Timeout:         30 * time.Second,
	}

	addr := fmt.Sprintf("%s:%d", r.cfg.Host, port)
	sshClient, err := ssh.Dial("tcp", addr, sshConfig)
	if err != nil {
		return fmt.Errorf("ssh dial: %w", err)
	}

	sftpClient, err := sftp.NewClient(sshClient)
	if err != nil {
		_ = sshClient.Close()
		return fmt.Errorf("sftp session: %w", err)
	}

	r.sshClient = sshClient
	r.sftpClient = sftpClient
	return nil
}

func (r *remoteInbox) Scan(root string) ([]inboxFile, error) {
	if err := r.connect(); err != nil {
		return nil, err
	}

	var files []inboxFile
	walker := r.sftpClient.Walk(root)
	for walker.Step() {
		if err := walker.Err(); err != nil {
			// A missing inbox directory just means no uploads yet
			if os.IsNotExist(err) {
				return nil, nil
			}
			continue
		}
		info := walker.Stat()
		if info == nil || info.IsDir() {
			continue
		}
		files = append(files, inboxFile{
			Path:  walker.Path(),
			Name:  path.Base(walker.Path()),
			Size:  info.Size(),
			MTime: info.ModTime(),
		})
	}
	return files, nil
}

func (r *remoteInbox) Stat(p string) (int64, time.Time, error) {
	if err := r.connect(); err != nil {
		return 0, time.Time{}, err
	}
	info, err := r.sftpClient.Stat(p)
	if err != nil {
		return 0, time.Time{}, err
	}
	return info.Size(), info.ModTime(), nil
}

func (r *remoteInbox) Read(p string) ([]byte, error) {
	if err := r.connect(); err != nil {
		return nil, err
	}
	f, err := r.sftpClient.Open(p)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()
	return io.ReadAll(io.LimitReader(f, MaxBodyBytes+1))
}

func (r *remoteInbox) Remove(p string) error {
	if err := r.connect(); err != nil {
		return err
	}
	return r.sftpClient.Remove(p)
}

func (r *remoteInbox) Close() error {
	var firstErr error
	if r.sftpClient != nil {
		firstErr = r.sftpClient.Close()
		r.sftpClient = nil
	}
	if r.sshClient != nil {
		if err := r.sshClient.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		r.sshClient = nil
	}
	return firstErr
}
