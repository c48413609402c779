package session

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/edirooss/npshelld/internal/audit"
)

// dispatchBuiltin handles one of the seven built-ins named in spec.md
// §4.4. line is the full trimmed command line, already known to start
// with a built-in verb (shell.IsBuiltin matched its first token).
// Returns exit=true only for "exit".
func (s *Session) dispatchBuiltin(line string) (exit bool) {
	cmd, rest := splitToken(line)
	switch cmd {
	case "setenv":
		s.doSetenv(rest)
	case "printenv":
		s.doPrintenv(rest)
	case "exit":
		return true
	case "name":
		s.doName(rest)
	case "who":
		s.doWho()
	case "tell":
		s.doTell(rest)
	case "yell":
		s.doYell(rest)
	}
	return false
}

// setenv K V updates the session's own environment map; it never
// touches the server process's environment (spec.md §5 "Environment
// isolation").
func (s *Session) doSetenv(rest string) {
	k, rest := splitToken(rest)
	v, _ := splitToken(rest)
	if k == "" {
		return
	}
	s.Env[k] = v
}

// printenv K writes the value plus a newline if set; silent (no
// output, no error) if unset, per spec.md §4.4 and the "Idempotence of
// printenv on unset keys" property in §8.
func (s *Session) doPrintenv(rest string) {
	k, _ := splitToken(rest)
	if v, ok := s.Env[k]; ok {
		_ = s.Send(v + "\n")
	}
}

// name NAME claims a nickname, rejecting a collision with any other
// live session's current name.
func (s *Session) doName(rest string) {
	name, _ := splitToken(rest)
	if err := s.Dir.TryRename(s.U, name); err != nil {
		_ = s.Send(fmt.Sprintf("*** User '%s' already exists. ***\n", name))
		return
	}
	s.Nickname = name
	s.Dir.Broadcast(fmt.Sprintf("*** User from %s is named '%s'. ***\n", s.Addr, name))
	s.record(audit.KindNameChange, name)
}

// who lists every live session: a fixed header line, then one row per
// user, with the caller's own row additionally marked "<-me".
func (s *Session) doWho() {
	var b strings.Builder
	b.WriteString("<ID>\t<nickname>\t<IP/port>\t<indicate me>\n")
	for _, row := range s.Dir.Who() {
		fmt.Fprintf(&b, "%d\t%s\t%s", row.U+1, row.Nickname, row.Addr)
		if row.U == s.U {
			b.WriteString("\t<-me")
		}
		b.WriteString("\n")
	}
	_ = s.Send(b.String())
}

// tell U MSG privately delivers MSG to user U (1-indexed in the
// command text). MSG is the remainder of the line after U's token,
// whitespace-trimmed on the left only — internal whitespace in the
// message is preserved verbatim.
func (s *Session) doTell(rest string) {
	idTok, rest := splitToken(rest)
	msg := restOfLine(rest)

	id, err := strconv.Atoi(idTok)
	if err != nil {
		_ = s.Send(errorf("user #%s does not exist yet.", idTok))
		return
	}
	u := id - 1
	if !s.Dir.IsLive(u) {
		_ = s.Send(fmt.Sprintf("*** Error: user #%d does not exist yet. ***\n", id))
		return
	}
	s.Dir.SendTo(u, fmt.Sprintf("*** %s told you ***: %s\n", s.Nickname, msg))
}

// yell MSG broadcasts MSG to every live session, including the sender.
func (s *Session) doYell(rest string) {
	msg := restOfLine(rest)
	s.Dir.Broadcast(fmt.Sprintf("*** %s yelled ***: %s\n", s.Nickname, msg))
	s.record(audit.KindYell, msg)
}
