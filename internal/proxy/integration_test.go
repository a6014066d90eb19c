package proxy

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"strings"
	"testing"
	"time"

	"imap-acl-proxy/internal/config"
	"imap-acl-proxy/internal/imap"
	"imap-acl-proxy/internal/policy"
)

// integrationEnv holds the common state for an integration test session.
type integrationEnv struct {
	clientConn net.Conn
	clientR    *bufio.Reader
	received   chan string // commands received by the fake upstream
}

// upstreamFolders is the folder namespace the fake upstream advertises.
var upstreamFolders = []string{
	"INBOX",
	"Sent",
	"Invoices",
	"Invoices/Processed",
	"Invoices/Rejected",
	"Archive/2024",
}

func integrationConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := testConfig()

	everything, err := policy.NewPatternMatcher(`.*`, false)
	if err != nil {
		t.Fatalf("compile pattern: %v", err)
	}
	cfg.Users = append(cfg.Users, config.VirtualUser{
		Username: "backup_daemon",
		Password: "backpass",
		Upstream: "corp",
		Account:  cfg.Users[0].Account,
		Rules: policy.RuleSet{
			{Matcher: everything, Actions: policy.NewActionSet(policy.ActionView, policy.ActionRead)},
		},
	})
	return cfg
}

// newIntegrationEnv creates a proxy session backed by a scripted fake IMAP
// upstream. The fake answers the proxy's login and capability probe, then
// serves LIST/LSUB from upstreamFolders, fabricates SELECT/EXAMINE data,
// consumes APPEND literals (recording the body), and completes everything
// else with a tagged OK. Every post-auth command line is recorded on the
// received channel. modify, if non-nil, adjusts the config first.
func newIntegrationEnv(t *testing.T, modify func(*config.Config)) *integrationEnv {
	t.Helper()

	clientConn, proxyConn := net.Pipe()
	upClient, upServer := net.Pipe()
	received := make(chan string, 100)

	go func() {
		defer upServer.Close()
		sr := bufio.NewReader(upServer)

		fmt.Fprint(upServer, "* OK Fake IMAP server ready\r\n")

		for {
			line, err := sr.ReadString('\n')
			if err != nil {
				return
			}

			// Consume any literal spans attached to this command,
			// issuing continuations for synchronizing ones.
			var body strings.Builder
			cur := line
			for {
				lit, ok := imap.ParseLiteral([]byte(cur))
				if !ok {
					break
				}
				if !lit.NonSync {
					fmt.Fprint(upServer, "+ Ready for literal data\r\n")
				}
				buf := make([]byte, lit.Size)
				if _, err := io.ReadFull(sr, buf); err != nil {
					return
				}
				body.Write(buf)
				next, err := sr.ReadString('\n')
				if err != nil {
					return
				}
				cur = next
			}

			trimmed := strings.TrimRight(line, "\r\n")
			parts := strings.SplitN(trimmed, " ", 2)
			tag := parts[0]
			upper := strings.ToUpper(trimmed)

			switch {
			case tag == "proxy1":
				if strings.Contains(upper, "LOGIN") {
					fmt.Fprint(upServer, "proxy1 OK LOGIN completed\r\n")
				} else {
					fmt.Fprint(upServer, "proxy1 NO unexpected command\r\n")
				}

			case tag == "proxy2":
				fmt.Fprint(upServer, "* CAPABILITY IMAP4rev1 IDLE UIDPLUS\r\nproxy2 OK CAPABILITY completed\r\n")

			case strings.Contains(upper, " LIST "), strings.HasSuffix(upper, " LIST"):
				received <- trimmed
				for _, f := range upstreamFolders {
					fmt.Fprintf(upServer, "* LIST (\\HasNoChildren) \"/\" \"%s\"\r\n", f)
				}
				fmt.Fprintf(upServer, "%s OK LIST completed\r\n", tag)

			case strings.Contains(upper, " LSUB "), strings.HasSuffix(upper, " LSUB"):
				received <- trimmed
				for _, f := range upstreamFolders {
					fmt.Fprintf(upServer, "* LSUB () \"/\" \"%s\"\r\n", f)
				}
				fmt.Fprintf(upServer, "%s OK LSUB completed\r\n", tag)

			case strings.Contains(upper, " SELECT "), strings.Contains(upper, " EXAMINE "):
				received <- trimmed
				fmt.Fprint(upServer, "* 3 EXISTS\r\n* 0 RECENT\r\n* OK [UIDVALIDITY 1] UIDs valid\r\n")
				fmt.Fprintf(upServer, "%s OK [READ-WRITE] completed\r\n", tag)

			case strings.Contains(upper, " APPEND "):
				received <- trimmed
				received <- "APPEND-BODY:" + body.String()
				fmt.Fprintf(upServer, "%s OK APPEND completed\r\n", tag)

			default:
				received <- trimmed
				fmt.Fprintf(upServer, "%s OK completed\r\n", tag)
			}
		}
	}()

	cfg := integrationConfig(t)
	if modify != nil {
		modify(cfg)
	}
	sess := NewSession(proxyConn, cfg, testLogger(), nil)
	sess.dialUpstream = func(acct *config.UpstreamAccount) (*Upstream, error) {
		r := bufio.NewReader(upClient)
		// Consume greeting, like real DialUpstream does.
		if _, err := r.ReadString('\n'); err != nil {
			return nil, err
		}
		return &Upstream{Conn: upClient, Reader: r}, nil
	}

	go sess.Run()

	env := &integrationEnv{
		clientConn: clientConn,
		clientR:    bufio.NewReader(clientConn),
		received:   received,
	}

	clientConn.SetReadDeadline(time.Now().Add(10 * time.Second))

	return env
}

// login reads the greeting and authenticates as the given virtual user.
func (e *integrationEnv) login(t *testing.T, user, pass string) {
	t.Helper()

	greeting := e.readLine(t)
	if !strings.Contains(greeting, "* OK imap-acl-proxy ready") {
		t.Fatalf("unexpected greeting: %q", greeting)
	}

	e.send(t, fmt.Sprintf("A001 LOGIN %s %s\r\n", user, pass))

	resp := e.readLine(t)
	if !strings.Contains(resp, "A001 OK") {
		t.Fatalf("expected LOGIN OK, got: %q", resp)
	}
}

func (e *integrationEnv) send(t *testing.T, data string) {
	t.Helper()
	if _, err := fmt.Fprint(e.clientConn, data); err != nil {
		t.Fatalf("send: %v", err)
	}
}

func (e *integrationEnv) readLine(t *testing.T) string {
	t.Helper()
	line, err := e.clientR.ReadString('\n')
	if err != nil {
		t.Fatalf("readLine: %v", err)
	}
	return line
}

// expectUpstream waits for a command on the received channel containing substring.
func (e *integrationEnv) expectUpstream(t *testing.T, substring string) string {
	t.Helper()
	select {
	case cmd := <-e.received:
		if !strings.Contains(strings.ToUpper(cmd), strings.ToUpper(substring)) {
			t.Fatalf("expected upstream command containing %q, got: %q", substring, cmd)
		}
		return cmd
	case <-time.After(5 * time.Second):
		t.Fatalf("timeout waiting for upstream command containing %q", substring)
		return ""
	}
}

// noUpstream verifies nothing was sent to upstream within a short window.
func (e *integrationEnv) noUpstream(t *testing.T) {
	t.Helper()
	select {
	case cmd := <-e.received:
		t.Fatalf("unexpected upstream command: %q", cmd)
	case <-time.After(50 * time.Millisecond):
	}
}

// readUntilTagged reads response lines until the tagged completion.
func (e *integrationEnv) readUntilTagged(t *testing.T, tag string) []string {
	t.Helper()
	var lines []string
	for {
		line := e.readLine(t)
		lines = append(lines, line)
		if strings.HasPrefix(line, tag+" ") {
			return lines
		}
	}
}

// TestIntegrationFullSession walks a complete invoice_bot session:
// greeting, capability, login, filtered LIST, select, fetch, flag change,
// denied select, logout.
func TestIntegrationFullSession(t *testing.T) {
	env := newIntegrationEnv(t, nil)
	defer env.clientConn.Close()

	greeting := env.readLine(t)
	if !strings.Contains(greeting, "* OK imap-acl-proxy ready") {
		t.Fatalf("unexpected greeting: %q", greeting)
	}

	env.send(t, "A001 CAPABILITY\r\n")
	capLine := env.readLine(t)
	if !strings.Contains(capLine, "CAPABILITY IMAP4rev1") {
		t.Fatalf("expected CAPABILITY response, got: %q", capLine)
	}
	capOK := env.readLine(t)
	if !strings.Contains(capOK, "A001 OK") {
		t.Fatalf("expected CAPABILITY OK, got: %q", capOK)
	}

	env.send(t, "A002 LOGIN invoice_bot botpass\r\n")
	loginResp := env.readLine(t)
	if !strings.Contains(loginResp, "A002 OK") {
		t.Fatalf("expected LOGIN OK, got: %q", loginResp)
	}

	// Filtered LIST: only the two granted folders survive.
	env.send(t, "A003 LIST \"\" *\r\n")
	env.expectUpstream(t, "LIST")
	lines := env.readUntilTagged(t, "A003")
	var folders []string
	for _, line := range lines {
		if strings.HasPrefix(line, "* LIST") {
			folders = append(folders, line)
		}
	}
	if len(folders) != 2 {
		t.Fatalf("expected 2 visible folders, got %d: %v", len(folders), folders)
	}
	if !strings.Contains(folders[0], "\"Invoices\"") || !strings.Contains(folders[1], "\"Invoices/Processed\"") {
		t.Fatalf("unexpected visible folders: %v", folders)
	}
	if !strings.Contains(lines[len(lines)-1], "A003 OK") {
		t.Fatalf("expected tagged OK, got: %q", lines[len(lines)-1])
	}

	// SELECT a granted folder; untagged select data passes through.
	env.send(t, "A004 SELECT Invoices\r\n")
	env.expectUpstream(t, "SELECT Invoices")
	selLines := env.readUntilTagged(t, "A004")
	if !strings.Contains(selLines[0], "3 EXISTS") {
		t.Fatalf("expected EXISTS, got: %q", selLines[0])
	}
	if !strings.Contains(selLines[len(selLines)-1], "A004 OK") {
		t.Fatalf("expected SELECT OK, got: %q", selLines[len(selLines)-1])
	}

	env.send(t, "A005 FETCH 1:* (FLAGS)\r\n")
	env.expectUpstream(t, "FETCH")
	fetchResp := env.readLine(t)
	if !strings.Contains(fetchResp, "A005 OK") {
		t.Fatalf("expected FETCH OK, got: %q", fetchResp)
	}

	// Setting \Deleted requires both write_flags and delete_msgs; the
	// user holds both on Invoices.
	env.send(t, "A006 STORE 1 +FLAGS (\\Deleted)\r\n")
	env.expectUpstream(t, "STORE")
	storeResp := env.readLine(t)
	if !strings.Contains(storeResp, "A006 OK") {
		t.Fatalf("expected STORE OK, got: %q", storeResp)
	}

	// INBOX is invisible to this user.
	env.send(t, "A007 SELECT INBOX\r\n")
	denyResp := env.readLine(t)
	if !strings.Contains(denyResp, "A007 NO [ALERT] Access Denied") {
		t.Fatalf("expected denial, got: %q", denyResp)
	}
	env.noUpstream(t)

	env.send(t, "A008 LOGOUT\r\n")
	bye := env.readLine(t)
	if !strings.Contains(bye, "BYE") {
		t.Fatalf("expected BYE, got: %q", bye)
	}
	logoutOK := env.readLine(t)
	if !strings.Contains(logoutOK, "A008 OK LOGOUT") {
		t.Fatalf("expected OK LOGOUT, got: %q", logoutOK)
	}
}

func TestIntegrationListUnrestrictedUser(t *testing.T) {
	env := newIntegrationEnv(t, nil)
	defer env.clientConn.Close()
	env.login(t, "backup_daemon", "backpass")

	env.send(t, "A002 LIST \"\" *\r\n")
	env.expectUpstream(t, "LIST")

	lines := env.readUntilTagged(t, "A002")
	count := 0
	for _, line := range lines {
		if strings.HasPrefix(line, "* LIST") {
			count++
		}
	}
	if count != len(upstreamFolders) {
		t.Fatalf("expected %d folders, got %d: %v", len(upstreamFolders), count, lines)
	}
}

func TestIntegrationLsubFiltering(t *testing.T) {
	env := newIntegrationEnv(t, nil)
	defer env.clientConn.Close()
	env.login(t, "invoice_bot", "botpass")

	env.send(t, "A002 LSUB \"\" *\r\n")
	env.expectUpstream(t, "LSUB")

	lines := env.readUntilTagged(t, "A002")
	for _, line := range lines {
		if strings.HasPrefix(line, "* LSUB") &&
			!strings.Contains(line, "\"Invoices\"") && !strings.Contains(line, "\"Invoices/Processed\"") {
			t.Errorf("invisible folder leaked in LSUB: %q", line)
		}
	}
}

// TestIntegrationPipelinedOrdering sends LIST and NOOP back to back and
// verifies the completions come back in submission order even though the
// LIST responses are buffered for filtering.
func TestIntegrationPipelinedOrdering(t *testing.T) {
	env := newIntegrationEnv(t, nil)
	defer env.clientConn.Close()
	env.login(t, "invoice_bot", "botpass")

	env.send(t, "A002 LIST \"\" *\r\nA003 NOOP\r\n")

	lines := env.readUntilTagged(t, "A002")
	for _, line := range lines {
		if strings.Contains(line, "A003") {
			t.Fatalf("NOOP completed before LIST: %v", lines)
		}
	}
	noopResp := env.readLine(t)
	if !strings.Contains(noopResp, "A003 OK") {
		t.Fatalf("expected NOOP OK after LIST, got: %q", noopResp)
	}
}

func TestIntegrationBackupUserSelectRewritten(t *testing.T) {
	env := newIntegrationEnv(t, nil)
	defer env.clientConn.Close()
	env.login(t, "backup_daemon", "backpass")

	// The backup user holds no mutating action anywhere, so every SELECT
	// opens read-only upstream.
	env.send(t, "A002 SELECT Sent\r\n")
	upCmd := env.expectUpstream(t, "EXAMINE")
	if strings.Contains(strings.ToUpper(upCmd), "SELECT") {
		t.Fatalf("SELECT should have been rewritten, got: %q", upCmd)
	}
	lines := env.readUntilTagged(t, "A002")
	if !strings.Contains(lines[len(lines)-1], "A002 OK") {
		t.Fatalf("expected OK, got: %q", lines[len(lines)-1])
	}

	// And mutation is denied even after a successful open.
	env.send(t, "A003 STORE 1 +FLAGS (\\Seen)\r\n")
	resp := env.readLine(t)
	if !strings.Contains(resp, "A003 NO [ALERT] Access Denied") {
		t.Fatalf("expected denial, got: %q", resp)
	}
	env.noUpstream(t)
}

func TestIntegrationStatusDenied(t *testing.T) {
	env := newIntegrationEnv(t, nil)
	defer env.clientConn.Close()
	env.login(t, "invoice_bot", "botpass")

	env.send(t, "A002 STATUS Sent (MESSAGES)\r\n")
	resp := env.readLine(t)
	if !strings.Contains(resp, "A002 NO [ALERT] Access Denied") {
		t.Fatalf("expected denial, got: %q", resp)
	}
	env.noUpstream(t)
}

func TestIntegrationAppendNonSyncLiteral(t *testing.T) {
	env := newIntegrationEnv(t, nil)
	defer env.clientConn.Close()
	env.login(t, "invoice_bot", "botpass")

	msg := "Subject: hi\r\n\r\nHello\r\n"
	env.send(t, fmt.Sprintf("A002 APPEND Invoices/Processed {%d+}\r\n%s\r\n", len(msg), msg))

	got := env.expectUpstream(t, "APPEND Invoices/Processed")
	if strings.HasPrefix(got, "A002") {
		t.Fatalf("client tag must be rewritten, got: %q", got)
	}
	body := env.expectUpstream(t, "APPEND-BODY:")
	if body != "APPEND-BODY:"+msg {
		t.Fatalf("literal body corrupted: %q", body)
	}

	resp := env.readLine(t)
	if !strings.Contains(resp, "A002 OK") {
		t.Fatalf("expected APPEND OK, got: %q", resp)
	}
}

func TestIntegrationAppendSyncLiteral(t *testing.T) {
	env := newIntegrationEnv(t, nil)
	defer env.clientConn.Close()
	env.login(t, "invoice_bot", "botpass")

	msg := "Subject: hi\r\n\r\nHello\r\n"
	env.send(t, fmt.Sprintf("A002 APPEND Invoices/Processed {%d}\r\n", len(msg)))

	// The proxy issues the continuation itself, before consulting
	// upstream.
	cont := env.readLine(t)
	if !strings.HasPrefix(cont, "+") {
		t.Fatalf("expected continuation, got: %q", cont)
	}
	env.send(t, msg+"\r\n")

	env.expectUpstream(t, "APPEND Invoices/Processed")
	body := env.expectUpstream(t, "APPEND-BODY:")
	if body != "APPEND-BODY:"+msg {
		t.Fatalf("literal body corrupted: %q", body)
	}

	resp := env.readLine(t)
	if !strings.Contains(resp, "A002 OK") {
		t.Fatalf("expected APPEND OK, got: %q", resp)
	}
}

// TestIntegrationPipelinedBehindSyncLiteral pipelines a NOOP directly
// behind an APPEND carrying a synchronizing literal. The NOOP bytes
// must not reach upstream until the literal body has been drained, or
// the upstream would consume them as message data.
func TestIntegrationPipelinedBehindSyncLiteral(t *testing.T) {
	env := newIntegrationEnv(t, nil)
	defer env.clientConn.Close()
	env.login(t, "invoice_bot", "botpass")

	env.send(t, "A002 APPEND Invoices/Processed {5}\r\n")
	cont := env.readLine(t)
	if !strings.HasPrefix(cont, "+") {
		t.Fatalf("expected continuation, got: %q", cont)
	}
	env.send(t, "hello\r\nA003 NOOP\r\n")

	env.expectUpstream(t, "APPEND Invoices/Processed")
	body := env.expectUpstream(t, "APPEND-BODY:")
	if body != "APPEND-BODY:hello" {
		t.Fatalf("literal body corrupted: %q", body)
	}

	appendResp := env.readLine(t)
	if !strings.Contains(appendResp, "A002 OK") {
		t.Fatalf("expected APPEND OK, got: %q", appendResp)
	}

	env.expectUpstream(t, "NOOP")
	noopResp := env.readLine(t)
	if !strings.Contains(noopResp, "A003 OK") {
		t.Fatalf("expected NOOP OK, got: %q", noopResp)
	}
}

// TestIntegrationPipelinedSelectGatesFetch pipelines a FETCH directly
// behind a SELECT of a folder the user cannot read. The FETCH runs in
// the folder being selected, so it must be judged against that folder
// and denied before anything reaches upstream.
func TestIntegrationPipelinedSelectGatesFetch(t *testing.T) {
	env := newIntegrationEnv(t, nil)
	defer env.clientConn.Close()
	env.login(t, "invoice_bot", "botpass")

	env.send(t, "A002 SELECT Invoices\r\n")
	env.expectUpstream(t, "SELECT Invoices")
	env.readUntilTagged(t, "A002")

	// Invoices/Processed grants view and append only; reading message
	// content there is not allowed.
	env.send(t, "A003 SELECT Invoices/Processed\r\nA004 FETCH 1 BODY[]\r\n")
	env.expectUpstream(t, "SELECT Invoices/Processed")

	var sawSelectOK, sawDenial bool
	for !sawSelectOK || !sawDenial {
		line := env.readLine(t)
		switch {
		case strings.HasPrefix(line, "A003 OK"):
			sawSelectOK = true
		case strings.Contains(line, "A004 NO [ALERT] Access Denied"):
			sawDenial = true
		case strings.Contains(line, "A004 OK"):
			t.Fatalf("FETCH must be denied, got: %q", line)
		}
	}
	env.noUpstream(t)
}

func TestIntegrationAppendDenied(t *testing.T) {
	env := newIntegrationEnv(t, nil)
	defer env.clientConn.Close()
	env.login(t, "invoice_bot", "botpass")

	// Appending to Invoices is not granted; the literal is consumed to
	// keep framing, nothing reaches upstream.
	msg := "Subject: hi\r\n\r\nHello\r\n"
	env.send(t, fmt.Sprintf("A002 APPEND Invoices {%d+}\r\n%s\r\n", len(msg), msg))

	resp := env.readLine(t)
	if !strings.Contains(resp, "A002 NO [ALERT] Access Denied") {
		t.Fatalf("expected denial, got: %q", resp)
	}
	env.noUpstream(t)

	// The session survives with framing intact.
	env.send(t, "A003 NOOP\r\n")
	env.expectUpstream(t, "NOOP")
	noopResp := env.readLine(t)
	if !strings.Contains(noopResp, "A003 OK") {
		t.Fatalf("expected NOOP OK, got: %q", noopResp)
	}
}

// TestIntegrationMoveEmulation verifies MOVE is translated into
// COPY + STORE \Deleted + EXPUNGE when the upstream lacks the MOVE
// extension and emulation is enabled.
func TestIntegrationMoveEmulation(t *testing.T) {
	env := newIntegrationEnv(t, func(cfg *config.Config) {
		cfg.Users[0].Account.EmulateMove = true
	})
	defer env.clientConn.Close()
	env.login(t, "invoice_bot", "botpass")

	env.send(t, "A002 SELECT Invoices\r\n")
	env.expectUpstream(t, "SELECT")
	env.readUntilTagged(t, "A002")

	env.send(t, "A003 MOVE 1:2 Invoices/Processed\r\n")

	copyCmd := env.expectUpstream(t, "COPY 1:2")
	if !strings.Contains(copyCmd, "Invoices/Processed") {
		t.Fatalf("unexpected COPY: %q", copyCmd)
	}
	storeCmd := env.expectUpstream(t, "STORE 1:2")
	if !strings.Contains(storeCmd, `\Deleted`) {
		t.Fatalf("unexpected STORE: %q", storeCmd)
	}
	env.expectUpstream(t, "EXPUNGE")

	resp := env.readLine(t)
	if !strings.Contains(resp, "A003 OK MOVE completed") {
		t.Fatalf("expected MOVE OK, got: %q", resp)
	}
}

func TestIntegrationUIDMoveEmulation(t *testing.T) {
	env := newIntegrationEnv(t, func(cfg *config.Config) {
		cfg.Users[0].Account.EmulateMove = true
	})
	defer env.clientConn.Close()
	env.login(t, "invoice_bot", "botpass")

	env.send(t, "A002 SELECT Invoices\r\n")
	env.expectUpstream(t, "SELECT")
	env.readUntilTagged(t, "A002")

	env.send(t, "A003 UID MOVE 100:200 Invoices/Processed\r\n")

	env.expectUpstream(t, "UID COPY 100:200")
	env.expectUpstream(t, "UID STORE 100:200")
	// The fake advertises UIDPLUS, so the expunge is scoped to the set.
	env.expectUpstream(t, "UID EXPUNGE 100:200")

	resp := env.readLine(t)
	if !strings.Contains(resp, "A003 OK MOVE completed") {
		t.Fatalf("expected MOVE OK, got: %q", resp)
	}
}

func TestIntegrationUnknownCommandDenied(t *testing.T) {
	env := newIntegrationEnv(t, nil)
	defer env.clientConn.Close()
	env.login(t, "invoice_bot", "botpass")

	env.send(t, "A002 XFROBNICATE all the things\r\n")
	resp := env.readLine(t)
	if !strings.Contains(resp, "A002 NO [ALERT] Access Denied") {
		t.Fatalf("expected denial, got: %q", resp)
	}
	env.noUpstream(t)
}

func TestIntegrationNamespaceMutationDenied(t *testing.T) {
	blocked := []struct {
		name string
		cmd  string
	}{
		{"CREATE", "CREATE NewFolder"},
		{"DELETE", "DELETE Invoices"},
		{"RENAME", "RENAME Invoices Paid"},
		{"SUBSCRIBE", "SUBSCRIBE Invoices"},
		{"UNSUBSCRIBE", "UNSUBSCRIBE Invoices"},
	}

	env := newIntegrationEnv(t, nil)
	defer env.clientConn.Close()
	env.login(t, "invoice_bot", "botpass")

	for i, tc := range blocked {
		t.Run(tc.name, func(t *testing.T) {
			tag := fmt.Sprintf("B%03d", i+1)
			env.send(t, fmt.Sprintf("%s %s\r\n", tag, tc.cmd))
			resp := env.readLine(t)
			if !strings.Contains(resp, tag+" NO [ALERT] Access Denied") {
				t.Fatalf("expected denial, got: %q", resp)
			}
			env.noUpstream(t)
		})
	}

	// The session is still usable afterwards.
	env.send(t, "B999 NOOP\r\n")
	env.expectUpstream(t, "NOOP")
	noopResp := env.readLine(t)
	if !strings.Contains(noopResp, "B999 OK") {
		t.Fatalf("expected NOOP OK, got: %q", noopResp)
	}
}
