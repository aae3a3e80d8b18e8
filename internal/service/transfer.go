package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/sftp"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/ssh"

	"tirescan-service/internal/config"
)

var ErrTransfer = errors.New("transfer failed")

// Transferer uploads a local artifact to remote storage. The progress
// callback receives cumulative (sent, total) byte counts per chunk.
type Transferer interface {
	Upload(ctx context.Context, localPath, remoteDir, filename string, progress func(sent, total int64)) error
	PublicURL(remoteDir string) string
}

const uploadChunkSize = 32 * 1024

type SFTPTransferer struct {
	addr          string
	sshConfig     *ssh.ClientConfig
	basePath      string
	publicBaseURL string
	log           zerolog.Logger
}

func NewSFTPTransferer(cfg config.SFTPConfig, log zerolog.Logger) *SFTPTransferer {
	return &SFTPTransferer{
		addr: net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)),
		sshConfig: &ssh.ClientConfig{
			User:            cfg.User,
			Auth:            []ssh.AuthMethod{ssh.Password(cfg.Password)},
			HostKeyCallback: ssh.InsecureIgnoreHostKey(),
			Timeout:         15 * time.Second,
		},
		basePath:      cfg.BasePath,
		publicBaseURL: strings.TrimRight(cfg.PublicBaseURL, "/"),
		log:           log,
	}
}

func (t *SFTPTransferer) Upload(ctx context.Context, localPath, remoteDir, filename string, progress func(sent, total int64)) error {
	conn, err := ssh.Dial("tcp", t.addr, t.sshConfig)
	if err != nil {
		return fmt.Errorf("%w: connect %s: %v", ErrTransfer, t.addr, err)
	}
	defer conn.Close()

	client, err := sftp.NewClient(conn)
	if err != nil {
		return fmt.Errorf("%w: open sftp session: %v", ErrTransfer, err)
	}
	defer client.Close()

	if err := client.MkdirAll(remoteDir); err != nil {
		return fmt.Errorf("%w: mkdir %s: %v", ErrTransfer, remoteDir, err)
	}

	local, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("%w: open local file: %v", ErrTransfer, err)
	}
	defer local.Close()

	info, err := local.Stat()
	if err != nil {
		return fmt.Errorf("%w: stat local file: %v", ErrTransfer, err)
	}
	total := info.Size()

	remotePath := path.Join(remoteDir, filename)
	t.log.Info().Str("remote_path", remotePath).Int64("bytes", total).Msg("uploading file")

	remote, err := client.Create(remotePath)
	if err != nil {
		return fmt.Errorf("%w: create %s: %v", ErrTransfer, remotePath, err)
	}
	defer remote.Close()

	buf := make([]byte, uploadChunkSize)
	var sent int64
	for {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("%w: %v", ErrTransfer, err)
		}
		n, readErr := local.Read(buf)
		if n > 0 {
			if _, err := remote.Write(buf[:n]); err != nil {
				return fmt.Errorf("%w: write %s: %v", ErrTransfer, remotePath, err)
			}
			sent += int64(n)
			if progress != nil {
				progress(sent, total)
			}
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			return fmt.Errorf("%w: read local file: %v", ErrTransfer, readErr)
		}
	}
	return nil
}

// PublicURL maps a remote directory under the SFTP base path to its
// public HTTP location.
func (t *SFTPTransferer) PublicURL(remoteDir string) string {
	rel := strings.TrimPrefix(remoteDir, t.basePath)
	rel = strings.Trim(rel, "/")
	if rel == "" {
		return t.publicBaseURL + "/"
	}
	return fmt.Sprintf("%s/%s/", t.publicBaseURL, rel)
}
