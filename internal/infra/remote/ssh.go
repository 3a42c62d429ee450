package remote

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/bryanwahyu/automaton-hardening/internal/domain/scans"
)

// SSHDialer opens one ssh.Client per host.
type SSHDialer struct {
	hostKeys ssh.HostKeyCallback
}

// NewSSHDialer verifies host keys against knownHostsPath. With insecure set
// and no known_hosts file, host keys are accepted unchecked.
func NewSSHDialer(knownHostsPath string, insecure bool) (*SSHDialer, error) {
	if knownHostsPath != "" {
		cb, err := knownhosts.New(knownHostsPath)
		if err != nil {
			return nil, fmt.Errorf("load known_hosts: %w", err)
		}
		return &SSHDialer{hostKeys: cb}, nil
	}
	if !insecure {
		return nil, errors.New("ssh: knownHosts is required unless insecureIgnoreHostKey is set")
	}
	return &SSHDialer{hostKeys: ssh.InsecureIgnoreHostKey()}, nil
}

func authMethods(c scans.Credentials) ([]ssh.AuthMethod, error) {
	var methods []ssh.AuthMethod
	if c.PrivateKey != "" {
		var signer ssh.Signer
		var err error
		if c.Password != "" {
			signer, err = ssh.ParsePrivateKeyWithPassphrase([]byte(c.PrivateKey), []byte(c.Password))
		} else {
			signer, err = ssh.ParsePrivateKey([]byte(c.PrivateKey))
		}
		if err != nil {
			return nil, fmt.Errorf("parse private key: %w", err)
		}
		methods = append(methods, ssh.PublicKeys(signer))
	}
	if c.Password != "" {
		pw := c.Password
		methods = append(methods,
			ssh.Password(pw),
			ssh.KeyboardInteractive(func(_, _ string, questions []string, _ []bool) ([]string, error) {
				answers := make([]string, len(questions))
				for i := range answers {
					answers[i] = pw
				}
				return answers, nil
			}),
		)
	}
	if len(methods) == 0 {
		return nil, errors.New("no credentials for host")
	}
	return methods, nil
}

func (d *SSHDialer) Dial(ctx context.Context, host scans.HostTarget) (Conn, error) {
	auth, err := authMethods(host.Credentials)
	if err != nil {
		return nil, err
	}
	cfg := &ssh.ClientConfig{
		User:            host.Credentials.Username,
		Auth:            auth,
		HostKeyCallback: d.hostKeys,
	}
	if deadline, ok := ctx.Deadline(); ok {
		cfg.Timeout = time.Until(deadline)
	}

	addr := Address(host)
	var nd net.Dialer
	netConn, err := nd.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	// handshake must finish inside the dial deadline too
	if deadline, ok := ctx.Deadline(); ok {
		_ = netConn.SetDeadline(deadline)
	}
	c, chans, reqs, err := ssh.NewClientConn(netConn, addr, cfg)
	if err != nil {
		netConn.Close()
		return nil, err
	}
	_ = netConn.SetDeadline(time.Time{})
	return &sshConn{client: ssh.NewClient(c, chans, reqs)}, nil
}

// killGrace is how long a timed-out command gets to acknowledge the channel
// close before the whole connection is torn down.
var killGrace = 2 * time.Second

type sshConn struct {
	client *ssh.Client
}

func (c *sshConn) Exec(ctx context.Context, command string) (Result, error) {
	var stdout, stderr bytes.Buffer
	opened := make(chan *ssh.Session, 1)
	done := make(chan error, 1)
	// opening the channel waits on the peer too, so it runs under ctx as well
	go func() {
		sess, err := c.client.NewSession()
		if err != nil {
			done <- fmt.Errorf("open channel: %w", err)
			return
		}
		defer sess.Close()
		opened <- sess
		sess.Stdout = &stdout
		sess.Stderr = &stderr
		done <- sess.Run(command)
	}()

	var err error
	select {
	case err = <-done:
	case <-ctx.Done():
		gone := make(chan struct{})
		defer close(gone)
		// a stalled link can block these writes too
		go func() {
			select {
			case sess := <-opened:
				_ = sess.Signal(ssh.SIGKILL)
				_ = sess.Close()
			case <-gone:
			}
		}()
		grace := time.NewTimer(killGrace)
		defer grace.Stop()
		select {
		case <-done:
		case <-grace.C:
			// peer never answered; dropping the transport unblocks Run and
			// makes later commands on this host fail fast
			_ = c.client.Close()
			<-done
		}
		return Result{Stdout: stdout.String(), Stderr: stderr.String(), ExitCode: -1}, ctx.Err()
	}

	res := Result{Stdout: stdout.String(), Stderr: stderr.String()}
	if err != nil {
		var exitErr *ssh.ExitError
		var missing *ssh.ExitMissingError
		switch {
		case errors.As(err, &exitErr):
			res.ExitCode = exitErr.ExitStatus()
		case errors.As(err, &missing):
			res.ExitCode = -1
		default:
			return res, err
		}
	}
	return res, nil
}

func (c *sshConn) Close() error {
	if err := c.client.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		return err
	}
	return nil
}
