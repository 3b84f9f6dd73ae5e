package ssh

import (
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/sftp"
	"github.com/rs/zerolog/log"
)

// Upload copies a local file to the remote host via SFTP.
//
// With opts.Sudo the file is staged in a temporary location as the login user
// and then installed into place through sudo, so destinations owned by root
// can be written.
func (c *SSHClient) Upload(ctx context.Context, localPath string, remotePath string, mode uint32, opts RunOptions) (FileTransferResult, error) {
	result := FileTransferResult{
		RemotePath: remotePath,
		StartedAt:  time.Now(),
	}

	target := remotePath
	if opts.Sudo {
		target = fmt.Sprintf("%s/groundwork-upload-%s", scriptDir, uuid.New().String())
	}

	written, err := c.uploadFile(ctx, localPath, target, mode)
	result.BytesTransferred = written
	if err != nil {
		result.Duration = time.Since(result.StartedAt)
		return result, err
	}

	if opts.Sudo {
		if mode == 0 {
			mode = 0o644
		}
		installCmd := fmt.Sprintf("install -D -m %o %s %s && rm -f %s", mode, target, shellQuote(remotePath), target)
		if _, err := c.Run(ctx, installCmd, opts); err != nil {
			result.Duration = time.Since(result.StartedAt)
			return result, err
		}
	}

	result.Duration = time.Since(result.StartedAt)

	log.Info().
		Str("host", c.config.Host).
		Str("local", localPath).
		Str("remote", remotePath).
		Int64("bytes", written).
		Dur("duration", result.Duration).
		Msg("file uploaded")

	return result, nil
}

// createSFTPClient creates a new SFTP client.
func (c *SSHClient) createSFTPClient() (*sftp.Client, error) {
	sshClient, err := c.getClient()
	if err != nil {
		return nil, err
	}

	sftpClient, err := sftp.NewClient(sshClient)
	if err != nil {
		return nil, &TransportError{
			Op:          "sftp-init",
			Err:         fmt.Errorf("failed to create SFTP client: %w", err),
			IsTemporary: true,
		}
	}

	return sftpClient, nil
}

// uploadFile writes a single local file to remotePath.
func (c *SSHClient) uploadFile(ctx context.Context, localPath string, remotePath string, mode uint32) (int64, error) {
	log.Debug().
		Str("local", localPath).
		Str("remote", remotePath).
		Uint32("mode", mode).
		Msg("uploading file")

	localFile, err := os.Open(localPath)
	if err != nil {
		return 0, &TransportError{
			Op:  "upload",
			Err: fmt.Errorf("failed to open local file: %w", err),
		}
	}
	defer localFile.Close()

	sftpClient, err := c.createSFTPClient()
	if err != nil {
		return 0, err
	}
	defer sftpClient.Close()

	if err := sftpClient.MkdirAll(path.Dir(remotePath)); err != nil {
		return 0, &TransportError{
			Op:  "upload",
			Err: fmt.Errorf("failed to create remote directory: %w", err),
		}
	}

	remoteFile, err := sftpClient.Create(remotePath)
	if err != nil {
		return 0, &TransportError{
			Op:          "upload",
			Err:         fmt.Errorf("failed to create remote file: %w", err),
			IsTemporary: true,
		}
	}
	defer remoteFile.Close()

	written, err := copyWithContext(ctx, remoteFile, localFile)
	if err != nil {
		return written, &TransportError{
			Op:          "upload",
			Err:         fmt.Errorf("failed to copy file: %w", err),
			IsTemporary: true,
		}
	}

	if mode > 0 {
		if err := sftpClient.Chmod(remotePath, os.FileMode(mode)); err != nil {
			return written, &TransportError{
				Op:  "upload",
				Err: fmt.Errorf("failed to set permissions: %w", err),
			}
		}
	}

	return written, nil
}

// copyWithContext copies data from src to dst while respecting context cancellation.
func copyWithContext(ctx context.Context, dst io.Writer, src io.Reader) (int64, error) {
	buf := make([]byte, 32*1024)
	var written int64

	for {
		if err := ctx.Err(); err != nil {
			return written, err
		}

		nr, err := src.Read(buf)
		if nr > 0 {
			nw, werr := dst.Write(buf[0:nr])
			if nw > 0 {
				written += int64(nw)
			}
			if werr != nil {
				return written, werr
			}
			if nr != nw {
				return written, io.ErrShortWrite
			}
		}
		if err != nil {
			if err == io.EOF {
				return written, nil
			}
			return written, err
		}
	}
}
