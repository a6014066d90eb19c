package proxy

import (
	"bufio"
	"bytes"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"imap-acl-proxy/internal/config"
	"imap-acl-proxy/internal/dispatch"
	"imap-acl-proxy/internal/imap"
	"imap-acl-proxy/internal/metrics"
	"imap-acl-proxy/internal/policy"
)

// SessionState represents the current state of an IMAP session.
type SessionState int

const (
	StateGreeting SessionState = iota
	StateNotAuth
	StateAuth
	StateSelected
	StateLogout
)

// maxLiteralSize caps how much literal data one command may carry.
const maxLiteralSize = 64 << 20

const accessDenied = "NO [ALERT] Access Denied"

var (
	errTooManyAuthFailures = errors.New("proxy: too many failed authentication attempts")
	errLiteralTooLarge     = errors.New("proxy: literal too large")
)

// Session bridges one client connection to one upstream connection. The
// upstream connection is exclusively owned by this session; selected
// folder state never leaks between virtual identities.
type Session struct {
	clientConn net.Conn
	clientR    *bufio.Reader
	upstream   *Upstream
	cfg        *config.Config
	user       *config.VirtualUser
	logger     *slog.Logger
	metrics    *metrics.Metrics

	state        SessionState
	authFailures int

	// mu guards the selected-folder state shared between the two relay
	// loops. While SELECTs are in flight, commands pipelined behind them
	// are judged against the newest pending target, since that is the
	// folder upstream will execute them in.
	mu                  sync.Mutex
	selected            string
	selectedReadOnly    bool
	pendingSelects      int
	pendingSelectTarget string

	pending pendingQueue

	cliMu sync.Mutex // serializes writes to the client
	upMu  sync.Mutex // serializes writes to upstream

	teardownOnce sync.Once

	// dialUpstream allows tests to inject a fake dialer.
	dialUpstream func(acct *config.UpstreamAccount) (*Upstream, error)
}

// NewSession creates a new Session for the given client connection.
func NewSession(clientConn net.Conn, cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *Session {
	return &Session{
		clientConn:   clientConn,
		clientR:      bufio.NewReader(clientConn),
		state:        StateGreeting,
		cfg:          cfg,
		logger:       logger,
		metrics:      m,
		dialUpstream: DialUpstream,
	}
}

// Run executes the session lifecycle: greeting, pre-auth, relay, teardown.
func (s *Session) Run() {
	s.metrics.SessionStarted()
	defer s.metrics.SessionEnded()
	defer s.teardown()

	if err := s.writeClient("* OK imap-acl-proxy ready\r\n"); err != nil {
		s.logger.Error("failed to send greeting", "err", err)
		return
	}
	s.state = StateNotAuth

	if err := s.preAuth(); err != nil {
		return
	}
	if s.state != StateAuth {
		return
	}

	s.relay()
}

// teardown closes both connections exactly once and aborts any commands
// still in flight.
func (s *Session) teardown() {
	s.teardownOnce.Do(func() {
		s.pending.close()
		s.clientConn.Close()
		if s.upstream != nil {
			s.upstream.Close()
		}
	})
}

// preAuth runs the unauthenticated command loop. It returns nil when the
// session has authenticated; any error means the session is over.
func (s *Session) preAuth() error {
	for s.state == StateNotAuth {
		s.armIdleDeadline()
		line, err := s.readClientLine()
		if err != nil {
			if isTimeout(err) {
				s.writeClient("* BYE idle timeout\r\n")
			} else {
				s.logger.Info("client disconnected in pre-auth", "err", err)
			}
			return err
		}

		cmd, parseErr := imap.ParseCommand(line)
		if parseErr != nil {
			s.writeClient("%s BAD command not recognized\r\n", extractTag(string(line)))
			continue
		}

		col, err := s.collectCommand(cmd, line)
		if err != nil {
			if errors.Is(err, errLiteralTooLarge) {
				continue
			}
			return err
		}

		switch cmd.Verb {
		case "CAPABILITY":
			s.writeClient("* CAPABILITY IMAP4rev1 LITERAL+ AUTH=PLAIN\r\n")
			s.writeClient("%s OK CAPABILITY completed\r\n", cmd.Tag)

		case "NOOP":
			s.writeClient("%s OK NOOP completed\r\n", cmd.Tag)

		case "LOGOUT":
			s.writeClient("* BYE imap-acl-proxy logging out\r\n")
			s.writeClient("%s OK LOGOUT completed\r\n", cmd.Tag)
			s.state = StateLogout
			return nil

		case "LOGIN":
			if err := s.handleLogin(col); err != nil {
				return err
			}

		case "AUTHENTICATE":
			if err := s.handleAuthenticate(col); err != nil {
				return err
			}

		case "STARTTLS":
			s.writeClient("%s NO STARTTLS not available\r\n", cmd.Tag)

		default:
			s.writeClient("%s BAD command not recognized\r\n", cmd.Tag)
		}
	}
	return nil
}

// handleLogin processes a LOGIN command during pre-auth.
func (s *Session) handleLogin(col *collected) error {
	args := col.scanner()
	user, okUser, err := args.Next()
	if err != nil || !okUser {
		s.writeClient("%s BAD LOGIN expects username and password\r\n", col.cmd.Tag)
		return nil
	}
	pass, okPass, err := args.Next()
	if err != nil || !okPass {
		s.writeClient("%s BAD LOGIN expects username and password\r\n", col.cmd.Tag)
		return nil
	}
	return s.authenticate(col.cmd.Tag, user, pass)
}

// handleAuthenticate processes AUTHENTICATE PLAIN, with or without an
// initial response, decoding the SASL PLAIN message locally. The real
// upstream credentials are substituted after the virtual identity is
// verified; nothing is sent upstream for unknown users.
func (s *Session) handleAuthenticate(col *collected) error {
	args := col.scanner()
	mech, ok, err := args.Next()
	if err != nil || !ok {
		s.writeClient("%s BAD AUTHENTICATE expects a mechanism\r\n", col.cmd.Tag)
		return nil
	}
	if !strings.EqualFold(mech, "PLAIN") {
		s.writeClient("%s NO unsupported authentication mechanism\r\n", col.cmd.Tag)
		return nil
	}

	initial, hasInitial, _ := args.Next()
	if !hasInitial {
		if err := s.writeClient("+ \r\n"); err != nil {
			return err
		}
		line, err := s.readClientLine()
		if err != nil {
			return err
		}
		initial = string(bytes.TrimRight(line, "\r\n"))
		if initial == "*" {
			s.writeClient("%s BAD authentication cancelled\r\n", col.cmd.Tag)
			return nil
		}
	}

	decoded, err := base64.StdEncoding.DecodeString(initial)
	if err != nil {
		s.writeClient("%s BAD invalid base64 data\r\n", col.cmd.Tag)
		return nil
	}
	parts := bytes.Split(decoded, []byte{0})
	if len(parts) != 3 {
		s.writeClient("%s BAD invalid SASL PLAIN message\r\n", col.cmd.Tag)
		return nil
	}
	return s.authenticate(col.cmd.Tag, string(parts[1]), string(parts[2]))
}

// authenticate resolves the virtual identity and, only on success, opens
// the upstream connection with the real credentials. Unknown users and
// wrong tokens never touch upstream, so failed local logins cannot probe
// upstream availability.
func (s *Session) authenticate(tag, username, password string) error {
	fail := func(reason string) error {
		s.metrics.AuthFailure()
		s.authFailures++
		s.logger.Warn("authentication failed", "user", username, "reason", reason)
		if s.authFailures >= s.cfg.Server.MaxAuthAttempts {
			s.writeClient("* BYE too many failed authentication attempts\r\n")
			return errTooManyAuthFailures
		}
		s.writeClient("%s NO LOGIN failed\r\n", tag)
		return nil
	}

	user := s.cfg.LookupUser(username)
	if user == nil {
		return fail("unknown user")
	}
	if subtle.ConstantTimeCompare([]byte(user.Password), []byte(password)) != 1 {
		return fail("wrong password")
	}

	up, err := s.dialUpstream(user.Account)
	if err != nil {
		s.metrics.UpstreamDialFailure()
		s.logger.Error("upstream dial failed", "upstream", user.Upstream, "err", err)
		s.writeClient("%s NO LOGIN failed\r\n", tag)
		return nil
	}
	if err := up.Login(user.Account); err != nil {
		s.metrics.UpstreamDialFailure()
		s.logger.Error("upstream login failed", "upstream", user.Upstream, "err", err)
		up.Close()
		s.writeClient("%s NO LOGIN failed\r\n", tag)
		return nil
	}

	s.upstream = up
	s.user = user
	s.state = StateAuth
	s.logger = s.logger.With("user", username)
	s.logger.Info("login successful", "upstream", user.Upstream)
	return s.writeClient("%s OK LOGIN completed\r\n", tag)
}

// relay runs the two concurrent loops bridging client and upstream.
func (s *Session) relay() {
	var g errgroup.Group
	g.Go(func() error {
		defer s.teardown()
		return s.upstreamLoop()
	})
	g.Go(func() error {
		defer s.teardown()
		return s.clientLoop()
	})
	if err := g.Wait(); err != nil && !isClosed(err) {
		s.logger.Debug("session ended", "err", err)
	}
}

// clientLoop reads commands from the client, classifies them, evaluates
// policy, and either forwards them or answers directly.
func (s *Session) clientLoop() error {
	for {
		s.armIdleDeadline()
		line, err := s.readClientLine()
		if err != nil {
			if isTimeout(err) {
				s.writeClient("* BYE idle timeout\r\n")
				return nil
			}
			if err == io.EOF || isClosed(err) {
				return nil
			}
			return err
		}

		cmd, parseErr := imap.ParseCommand(line)
		if parseErr != nil {
			tag := extractTag(string(line))
			if tag == "*" {
				// Unframeable input is a protocol violation; do not
				// guess a recovery.
				s.writeClient("* BYE protocol error\r\n")
				return parseErr
			}
			s.writeClient("%s BAD command not recognized\r\n", tag)
			continue
		}
		if cmd.Verb == "DONE" {
			s.writeClient("* BAD DONE without IDLE\r\n")
			continue
		}

		col, err := s.collectCommand(cmd, line)
		if err != nil {
			if errors.Is(err, errLiteralTooLarge) {
				continue
			}
			return err
		}

		s.metrics.Command(cmd.Name())

		decision, err := dispatch.Classify(cmd, col.scanner(), s.classifyFolder())
		if err != nil {
			s.writeClient("%s BAD %v\r\n", cmd.Tag, err)
			continue
		}

		done, err := s.execute(col, decision)
		if err != nil {
			return err
		}
		if done {
			return nil
		}
	}
}

// execute acts on one classified command. done=true ends the session.
func (s *Session) execute(col *collected, decision dispatch.Decision) (done bool, err error) {
	cmd := col.cmd

	if decision.Mode == dispatch.ModeSpecial {
		return s.executeSpecial(col)
	}

	if decision.NeedsSelected && s.classifyFolder() == "" {
		return false, s.writeClient("%s BAD no mailbox selected\r\n", cmd.Tag)
	}

	switch decision.Mode {
	case dispatch.ModeDeny:
		s.metrics.Denial("denied_verb")
		s.logger.Warn("denied command", "verb", cmd.Name())
		return false, s.writeClient("%s %s\r\n", cmd.Tag, accessDenied)

	case dispatch.ModePass:
		return false, s.forward(col, &pendingCmd{mode: cmdPass})

	case dispatch.ModeFilter:
		return false, s.forward(col, &pendingCmd{mode: cmdFilter})

	case dispatch.ModePreCheck:
		ok, denied := s.user.Rules.AuthorizeAll(decision.Checks)
		if !ok {
			s.metrics.Denial(denied.Action.String())
			s.logger.Warn("denied command",
				"verb", cmd.Name(), "action", denied.Action.String(), "folder", denied.Folder)
			return false, s.writeClient("%s %s\r\n", cmd.Tag, accessDenied)
		}
		return false, s.forwardChecked(col, decision)
	}

	return false, s.writeClient("%s %s\r\n", cmd.Tag, accessDenied)
}

// executeSpecial handles the verbs the bridge answers itself.
func (s *Session) executeSpecial(col *collected) (done bool, err error) {
	cmd := col.cmd
	switch cmd.Verb {
	case "LOGOUT":
		s.writeClient("* BYE imap-acl-proxy logging out\r\n")
		s.writeClient("%s OK LOGOUT completed\r\n", cmd.Tag)
		s.state = StateLogout
		return true, nil

	case "CLOSE":
		// CLOSE implies an upstream EXPUNGE the user may not be entitled
		// to; it is answered locally and the session ends.
		if s.classifyFolder() == "" {
			return false, s.writeClient("%s BAD no mailbox selected\r\n", cmd.Tag)
		}
		s.writeClient("%s OK CLOSE completed\r\n", cmd.Tag)
		s.state = StateLogout
		return true, nil

	case "CAPABILITY":
		caps := "IMAP4rev1 LITERAL+ IDLE"
		if s.upstream.Caps["MOVE"] || s.user.Account.EmulateMove {
			caps += " MOVE"
		}
		s.writeClient("* CAPABILITY %s\r\n", caps)
		return false, s.writeClient("%s OK CAPABILITY completed\r\n", cmd.Tag)

	case "IDLE":
		return false, s.handleIdle(col)

	case "LOGIN", "AUTHENTICATE":
		return false, s.writeClient("%s BAD already authenticated\r\n", cmd.Tag)

	case "STARTTLS":
		return false, s.writeClient("%s BAD STARTTLS not available after authentication\r\n", cmd.Tag)
	}
	return false, s.writeClient("%s BAD command not recognized\r\n", cmd.Tag)
}

// forwardChecked forwards a pre-checked command, handling the SELECT
// read-only rewrite and MOVE emulation.
func (s *Session) forwardChecked(col *collected, decision dispatch.Decision) error {
	cmd := col.cmd

	verb := cmd.Verb
	if verb == "UID" {
		verb = cmd.SubVerb
	}

	if verb == "MOVE" && s.user.Account.EmulateMove && !s.upstream.Caps["MOVE"] {
		return s.emulateMove(col, decision)
	}

	p := &pendingCmd{mode: cmdPass}
	switch verb {
	case "SELECT", "EXAMINE":
		p.isSelect = true
		p.selectFolder = decision.Mailbox
		p.readOnly = verb == "EXAMINE"
		if verb == "SELECT" && s.folderReadOnly(decision.Mailbox) {
			// The user can view and read but never mutate this folder:
			// open it read-only upstream so even upstream-side state
			// stays consistent with the granted actions.
			col.rewriteVerb("SELECT", "EXAMINE")
			p.readOnly = true
		}
	}

	return s.forward(col, p)
}

// folderReadOnly reports whether the user holds no mutating action on the
// folder.
func (s *Session) folderReadOnly(folder string) bool {
	effective := s.user.Rules.Effective(folder)
	return !effective.Has(policy.ActionWriteFlags) &&
		!effective.Has(policy.ActionDeleteMsgs) &&
		!effective.Has(policy.ActionAppend)
}

// forward registers the command in the pending queue, rewrites its tag,
// and writes it (plus any already-collected non-synchronizing literal
// data) to upstream. Remaining synchronizing segments are drained by the
// upstream loop as continuations arrive.
func (s *Session) forward(col *collected, p *pendingCmd) error {
	p.clientTag = col.cmd.Tag
	p.name = col.cmd.Name()

	segments := col.segments()
	idx := 0
	for idx < len(segments) && segments[idx].nonSync {
		idx++
	}
	p.segments = segments[idx:]
	if len(p.segments) > 0 {
		p.drained = make(chan struct{})
	}

	// add assigns the upstream tag; the first line cannot be rendered
	// before the command is registered.
	if err := s.pending.add(p); err != nil {
		return s.writeClient("%s BAD %v\r\n", col.cmd.Tag, err)
	}
	if p.isSelect {
		s.noteSelectPending(p.selectFolder)
	}

	// Everything up to the first synchronizing literal can be written
	// immediately; the rest waits for upstream continuations.
	first := col.firstLine(p)
	chunk := make([]byte, 0, len(first))
	chunk = append(chunk, first...)
	for i := 0; i < idx; i++ {
		chunk = append(chunk, segments[i].data...)
	}

	if err := s.writeUpstream(chunk); err != nil {
		return err
	}
	s.logger.Debug("forwarded command", "verb", p.name, "tag", p.clientTag, "upstream_tag", p.upstreamTag)

	// While upstream still expects this command's literal data, bytes
	// from any later command must not reach the socket.
	if p.drained != nil {
		<-p.drained
	}
	return nil
}

// handleIdle forwards IDLE and relays raw client lines until DONE. The
// upstream loop forwards the continuation and any untagged updates.
func (s *Session) handleIdle(col *collected) error {
	if folder := s.classifyFolder(); folder != "" && !s.user.Rules.Authorize(policy.ActionRead, folder) {
		s.metrics.Denial(policy.ActionRead.String())
		return s.writeClient("%s %s\r\n", col.cmd.Tag, accessDenied)
	}

	if err := s.forward(col, &pendingCmd{mode: cmdPass}); err != nil {
		return err
	}

	// No idle deadline while IDLE is in progress: the connection is
	// deliberately quiet.
	s.clientConn.SetReadDeadline(time.Time{})
	for {
		line, err := s.readClientLine()
		if err != nil {
			return err
		}
		if err := s.writeUpstream(line); err != nil {
			return err
		}
		if strings.EqualFold(strings.TrimRight(string(line), "\r\n"), "DONE") {
			return nil
		}
	}
}

// emulateMove translates MOVE into COPY + STORE \Deleted + EXPUNGE for
// upstreams without the MOVE extension. It runs only after the composite
// permission check for all three steps has passed.
func (s *Session) emulateMove(col *collected, decision dispatch.Decision) error {
	cmd := col.cmd
	uid := cmd.Verb == "UID"

	args := col.scanner()
	seq, ok, err := args.Next()
	if err != nil || !ok {
		return s.writeClient("%s BAD MOVE expects a sequence set\r\n", cmd.Tag)
	}

	prefix := ""
	if uid {
		prefix = "UID "
	}
	dest := imap.AString(decision.Destination)

	res, err := s.internalCommand(fmt.Sprintf("%sCOPY %s %s", prefix, seq, dest))
	if err != nil {
		return err
	}
	if res.status != "OK" {
		return s.writeClient("%s NO MOVE failed (%s)\r\n", cmd.Tag, res.text)
	}

	res, err = s.internalCommand(fmt.Sprintf(`%sSTORE %s +FLAGS.SILENT (\Deleted)`, prefix, seq))
	if err != nil {
		return err
	}
	if res.status != "OK" {
		return s.writeClient("%s NO MOVE failed (%s)\r\n", cmd.Tag, res.text)
	}

	expunge := "EXPUNGE"
	if uid && s.upstream.Caps["UIDPLUS"] {
		expunge = "UID EXPUNGE " + seq
	}
	res, err = s.internalCommand(expunge)
	if err != nil {
		return err
	}
	if res.status != "OK" {
		return s.writeClient("%s NO MOVE failed (%s)\r\n", cmd.Tag, res.text)
	}

	s.logger.Debug("emulated MOVE", "seq", seq, "dest", decision.Destination)
	return s.writeClient("%s OK MOVE completed\r\n", cmd.Tag)
}

// internalCommand issues a proxy-originated command upstream and waits
// for its tagged completion. The completion never reaches the client.
func (s *Session) internalCommand(line string) (internalResult, error) {
	p := &pendingCmd{mode: cmdInternal, name: line, done: make(chan internalResult, 1)}
	if err := s.pending.add(p); err != nil {
		return internalResult{}, err
	}
	if err := s.writeUpstream([]byte(p.upstreamTag + " " + line + "\r\n")); err != nil {
		return internalResult{}, err
	}
	res, ok := <-p.done
	if !ok {
		return internalResult{}, errors.New("proxy: session closed during internal command")
	}
	return res, nil
}

// upstreamLoop reads upstream responses and routes them: continuations
// drain pending literal segments, untagged data is relayed or buffered
// for filtering, and tagged completions are matched to their originating
// command in order.
func (s *Session) upstreamLoop() error {
	for {
		line, err := s.readUpstreamLine()
		if err != nil {
			if err == io.EOF || isClosed(err) {
				return nil
			}
			return err
		}

		resp, perr := imap.ParseResponse(line)
		if perr != nil {
			// Malformed upstream bytes: terminate rather than guess.
			return perr
		}

		switch resp.Kind {
		case imap.RespContinuation:
			head := s.pending.head()
			if head != nil && len(head.segments) > 0 {
				if err := s.drainSegments(head); err != nil {
					return err
				}
				continue
			}
			// IDLE (or a client still streaming): pass the continuation on.
			if err := s.writeClientRaw(line); err != nil {
				return err
			}

		case imap.RespUntagged:
			if err := s.relayUntagged(line); err != nil {
				return err
			}

		case imap.RespTagged:
			if err := s.completeCommand(resp, line); err != nil {
				return err
			}
		}
	}
}

// drainSegments writes the next synchronizing literal segment, plus any
// non-synchronizing segments that follow it, to upstream.
func (s *Session) drainSegments(p *pendingCmd) error {
	var chunk []byte
	chunk = append(chunk, p.segments[0].data...)
	rest := p.segments[1:]
	for len(rest) > 0 && rest[0].nonSync {
		chunk = append(chunk, rest[0].data...)
		rest = rest[1:]
	}
	p.segments = rest
	if err := s.writeUpstream(chunk); err != nil {
		return err
	}
	if len(p.segments) == 0 {
		p.signalDrained()
	}
	return nil
}

// relayUntagged streams one untagged response, including any literal
// spans, to the client — or into the head command's buffer when a
// buffer-and-filter command is outstanding.
func (s *Session) relayUntagged(line []byte) error {
	head := s.pending.head()
	if head != nil && head.mode == cmdFilter {
		chunk, err := s.readResponseChunk(line)
		if err != nil {
			return err
		}
		head.buffered = append(head.buffered, chunk)
		return nil
	}
	return s.streamResponse(line)
}

// streamResponse forwards a response line and any literal spans that
// complete it, without buffering message data in memory.
func (s *Session) streamResponse(line []byte) error {
	for {
		lit, ok := imap.ParseLiteral(line)
		if !ok {
			return s.writeClientRaw(line)
		}
		// The announcing line and its literal bytes are one frame; a
		// fabricated response slipped between them would corrupt the
		// client's framing.
		s.cliMu.Lock()
		_, err := s.clientConn.Write(line)
		if err == nil {
			_, err = io.CopyN(s.clientConn, s.upstream.Reader, lit.Size)
		}
		s.cliMu.Unlock()
		if err != nil {
			return err
		}
		next, err := s.readUpstreamRaw()
		if err != nil {
			return err
		}
		line = next
	}
}

// readResponseChunk collects a full response — the line plus any literal
// spans and their continuation lines — into one buffer so it can be
// relayed or dropped atomically during filtering.
func (s *Session) readResponseChunk(line []byte) ([]byte, error) {
	var buf bytes.Buffer
	for {
		buf.Write(line)
		lit, ok := imap.ParseLiteral(line)
		if !ok {
			return buf.Bytes(), nil
		}
		if _, err := io.CopyN(&buf, s.upstream.Reader, lit.Size); err != nil {
			return nil, err
		}
		next, err := s.readUpstreamRaw()
		if err != nil {
			return nil, err
		}
		line = next
	}
}

// completeCommand handles a tagged completion from upstream.
func (s *Session) completeCommand(resp imap.Response, line []byte) error {
	p, err := s.pending.complete(resp.Tag)
	if err != nil {
		return err
	}
	// An upstream may reject a command without ever requesting its
	// literal data; release the writer waiting on it.
	p.signalDrained()

	switch p.mode {
	case cmdInternal:
		p.done <- internalResult{status: resp.Status, text: resp.Text}
		return nil

	case cmdFilter:
		for _, chunk := range p.buffered {
			if mailbox, ok := listChunkMailbox(chunk); ok && !s.user.Rules.Visible(mailbox) {
				// Invisible folders vanish entirely, placeholders included.
				continue
			}
			if err := s.writeClientRaw(chunk); err != nil {
				return err
			}
		}
		return s.writeClientRaw(retag(line, resp.Tag, p.clientTag))
	}

	if p.isSelect {
		s.commitSelect(p, resp.Status)
	}
	return s.writeClientRaw(retag(line, resp.Tag, p.clientTag))
}

// commitSelect updates the selected-folder state once upstream has
// answered the SELECT/EXAMINE. A failed select leaves no folder selected,
// per RFC 3501.
func (s *Session) commitSelect(p *pendingCmd, status string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pendingSelects > 0 {
		s.pendingSelects--
		if s.pendingSelects == 0 {
			s.pendingSelectTarget = ""
		}
	}
	if status == "OK" {
		s.selected = p.selectFolder
		s.selectedReadOnly = p.readOnly
		s.state = StateSelected
		s.logger.Debug("folder selected", "folder", p.selectFolder, "readonly", p.readOnly)
	} else {
		s.selected = ""
		s.selectedReadOnly = false
		s.state = StateAuth
	}
}

// collected is one complete logical client command: the first line plus
// every literal body and continuation line that followed it.
type collected struct {
	cmd   imap.Command
	first []byte
	parts []collectedPart
}

type collectedPart struct {
	literal []byte
	line    []byte
	nonSync bool
}

// scanner returns an argument scanner over the full collected command.
func (c *collected) scanner() *imap.ArgScanner {
	literals := make([][]byte, len(c.parts))
	lines := make([][]byte, len(c.parts))
	for i, p := range c.parts {
		literals[i] = p.literal
		lines[i] = p.line
	}
	return imap.NewArgScanner(c.cmd.Args, literals, lines)
}

// segments converts the collected literal parts into upstream write
// segments: each literal body concatenated with the line that followed it.
func (c *collected) segments() []segment {
	segs := make([]segment, len(c.parts))
	for i, p := range c.parts {
		data := make([]byte, 0, len(p.literal)+len(p.line))
		data = append(data, p.literal...)
		data = append(data, p.line...)
		segs[i] = segment{data: data, nonSync: p.nonSync}
	}
	return segs
}

// firstLine renders the first command line with the client tag replaced
// by the proxy-assigned upstream tag.
func (c *collected) firstLine(p *pendingCmd) []byte {
	rest := c.first[len(c.cmd.Tag):]
	line := make([]byte, 0, len(p.upstreamTag)+len(rest))
	line = append(line, p.upstreamTag...)
	line = append(line, rest...)
	return line
}

// rewriteVerb replaces the verb in the first line, preserving everything
// else byte for byte.
func (c *collected) rewriteVerb(from, to string) {
	verbStart := len(c.cmd.Tag) + 1
	verbEnd := verbStart + len(from)
	if verbEnd > len(c.first) {
		return
	}
	rewritten := make([]byte, 0, len(c.first)+len(to)-len(from))
	rewritten = append(rewritten, c.first[:verbStart]...)
	rewritten = append(rewritten, to...)
	rewritten = append(rewritten, c.first[verbEnd:]...)
	c.first = rewritten
	c.cmd.Verb = to
}

// collectCommand gathers the complete command: whenever the current line
// announces a literal, the proxy issues the continuation itself, reads
// the body, and keeps reading lines until the command is complete. The
// whole command is therefore known before any policy decision or byte
// sent upstream.
func (s *Session) collectCommand(cmd imap.Command, first []byte) (*collected, error) {
	col := &collected{cmd: cmd, first: first}
	cur := first
	var total int64

	for {
		lit, ok := imap.ParseLiteral(cur)
		if !ok {
			return col, nil
		}

		total += lit.Size
		if total > maxLiteralSize {
			return nil, s.rejectOversizeLiteral(cmd.Tag, lit)
		}

		if !lit.NonSync {
			if err := s.writeClient("+ Ready for literal data\r\n"); err != nil {
				return nil, err
			}
		}

		body := make([]byte, lit.Size)
		if _, err := io.ReadFull(s.clientR, body); err != nil {
			return nil, err
		}
		next, err := s.readClientLine()
		if err != nil {
			return nil, err
		}

		col.parts = append(col.parts, collectedPart{literal: body, line: next, nonSync: lit.NonSync})
		cur = next
	}
}

// rejectOversizeLiteral refuses a literal the proxy will not buffer. For
// a synchronizing literal no continuation is sent, which aborts the
// command cleanly; a non-synchronizing literal and the rest of the
// command must be consumed and discarded to keep framing intact.
func (s *Session) rejectOversizeLiteral(tag string, lit imap.Literal) error {
	s.writeClient("%s NO command line too long\r\n", tag)
	if !lit.NonSync {
		return errLiteralTooLarge
	}
	cur := lit
	for {
		if _, err := io.CopyN(io.Discard, s.clientR, cur.Size); err != nil {
			return err
		}
		line, err := s.readClientLine()
		if err != nil {
			return err
		}
		next, ok := imap.ParseLiteral(line)
		if !ok || !next.NonSync {
			return errLiteralTooLarge
		}
		cur = next
	}
}

// retag replaces the upstream tag at the start of a tagged response line
// with the client's original tag.
func retag(line []byte, upstreamTag, clientTag string) []byte {
	rest := line[len(upstreamTag):]
	out := make([]byte, 0, len(clientTag)+len(rest))
	out = append(out, clientTag...)
	out = append(out, rest...)
	return out
}

// listChunkMailbox extracts the mailbox from a buffered LIST/LSUB chunk.
func listChunkMailbox(chunk []byte) (string, bool) {
	idx := bytes.IndexByte(chunk, '\n')
	if idx < 0 {
		idx = len(chunk) - 1
	}
	firstLine := chunk[:idx+1]
	if mailbox, ok := imap.ParseListResponse(firstLine); ok {
		return mailbox, true
	}
	// A mailbox name sent as a literal: the body is the remainder of the
	// chunk up to the literal size.
	if lit, ok := imap.ParseLiteral(firstLine); ok && isListLine(firstLine) {
		rest := chunk[idx+1:]
		if int64(len(rest)) >= lit.Size {
			return string(rest[:lit.Size]), true
		}
	}
	return "", false
}

func isListLine(line []byte) bool {
	up := strings.ToUpper(string(line))
	return strings.HasPrefix(up, "* LIST ") || strings.HasPrefix(up, "* LSUB ")
}

// classifyFolder returns the folder a new client command will run in:
// the target of the newest in-flight SELECT if any, otherwise the
// committed selection.
func (s *Session) classifyFolder() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pendingSelects > 0 {
		return s.pendingSelectTarget
	}
	return s.selected
}

func (s *Session) noteSelectPending(folder string) {
	s.mu.Lock()
	s.pendingSelects++
	s.pendingSelectTarget = folder
	s.mu.Unlock()
}

func (s *Session) armIdleDeadline() {
	if timeout := s.cfg.Server.IdleTimeout.Duration; timeout > 0 {
		s.clientConn.SetReadDeadline(time.Now().Add(timeout))
	}
}

func (s *Session) readClientLine() ([]byte, error) {
	line, err := s.clientR.ReadBytes('\n')
	if err != nil {
		return nil, err
	}
	return line, nil
}

func (s *Session) readUpstreamLine() ([]byte, error) {
	return s.upstream.Reader.ReadBytes('\n')
}

func (s *Session) readUpstreamRaw() ([]byte, error) {
	return s.upstream.Reader.ReadBytes('\n')
}

func (s *Session) writeClient(format string, args ...any) error {
	s.cliMu.Lock()
	defer s.cliMu.Unlock()
	_, err := fmt.Fprintf(s.clientConn, format, args...)
	return err
}

func (s *Session) writeClientRaw(data []byte) error {
	s.cliMu.Lock()
	defer s.cliMu.Unlock()
	_, err := s.clientConn.Write(data)
	return err
}

func (s *Session) writeUpstream(data []byte) error {
	s.upMu.Lock()
	defer s.upMu.Unlock()
	_, err := s.upstream.Conn.Write(data)
	return err
}

// extractTag tries to get a tag from a raw line for error responses.
func extractTag(line string) string {
	line = strings.TrimSpace(line)
	if idx := strings.IndexByte(line, ' '); idx > 0 {
		return line[:idx]
	}
	if line != "" {
		return line
	}
	return "*"
}

func isTimeout(err error) bool {
	var nerr net.Error
	return errors.As(err, &nerr) && nerr.Timeout()
}

func isClosed(err error) bool {
	return errors.Is(err, net.ErrClosed) || errors.Is(err, io.ErrClosedPipe)
}
