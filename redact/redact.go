// Package redact scrubs secrets from shell commands before they are written
// to the log.
package redact

import (
	"bytes"
	"regexp"
	"strings"

	"mvdan.cc/sh/v3/syntax"
)

// safeVars are environment variables that are non-sensitive and useful in logs.
var safeVars = map[string]bool{
	"HOME": true, "USER": true, "PWD": true, "OLDPWD": true,
	"SHELL": true, "PATH": true, "LANG": true, "TERM": true,
	"EDITOR": true, "PAGER": true, "HOSTNAME": true, "LOGNAME": true,
	"TMPDIR": true, "XDG_CONFIG_HOME": true, "XDG_DATA_HOME": true,
	"XDG_RUNTIME_DIR": true, "SHLVL": true,
	"LC_ALL": true, "LC_CTYPE": true,
	"USERPROFILE": true, "APPDATA": true, "LOCALAPPDATA": true,
	"TEMP": true, "TMP": true, "COMPUTERNAME": true, "USERNAME": true,
}

// specialParams are shell special parameters that should not be redacted.
var specialParams = map[string]bool{
	"?": true, "!": true, "#": true, "@": true, "*": true,
	"-": true, "$": true, "_": true,
	"0": true, "1": true, "2": true, "3": true, "4": true,
	"5": true, "6": true, "7": true, "8": true, "9": true,
}

// Command replaces secrets in a shell command before it is logged:
// sensitive variable references, assignment values, values passed to
// secret-bearing flags (--token x, --password=x) and credential headers
// (-H 'Authorization: ...'). Safe variables (PATH, HOME, etc.) and special
// parameters ($?, $!, etc.) are preserved. Commands the POSIX parser
// rejects, such as PowerShell, go through a regex pass instead.
func Command(cmd string) string {
	parser := syntax.NewParser(syntax.Variant(syntax.LangBash), syntax.KeepComments(true))
	prog, err := parser.Parse(strings.NewReader(cmd), "")
	if err != nil {
		return regexRedact(cmd)
	}

	syntax.Walk(prog, scrub)

	var buf bytes.Buffer
	printer := syntax.NewPrinter(syntax.Indent(0))
	if err := printer.Print(&buf, prog); err != nil {
		return regexRedact(cmd)
	}
	return strings.TrimRight(buf.String(), "\n")
}

func scrub(node syntax.Node) bool {
	switch n := node.(type) {
	case *syntax.CallExpr:
		scrubArgs(n.Args)
	case *syntax.ParamExp:
		if n.Param != nil && !safeVars[n.Param.Value] && !specialParams[n.Param.Value] {
			n.Param.Value = "REDACTED"
		}
	case *syntax.Assign:
		if n.Name != nil && !safeVars[n.Name.Value] && n.Value != nil {
			n.Value.Parts = []syntax.WordPart{&syntax.Lit{Value: "***"}}
		}
	}
	return true
}

var (
	// reSecretFlag matches flags whose value is a credential.
	reSecretFlag = regexp.MustCompile(`(?i)^-{1,2}(pass|passwd|password|token|secret|api[-_]?key|access[-_]?key|auth[-_]?token|client[-_]?secret)$`)
	reHeaderFlag = regexp.MustCompile(`^(-H|--header)$`)
	reCredHeader = regexp.MustCompile(`(?i)^\s*(authorization|proxy-authorization|x-api-key|api-key|cookie)\s*:`)
)

// scrubArgs masks the value following a secret flag, the value of a
// --flag=value pair and credential headers handed to -H/--header.
func scrubArgs(args []*syntax.Word) {
	for i, w := range args {
		lit := w.Lit()
		if name, _, ok := strings.Cut(lit, "="); ok && reSecretFlag.MatchString(name) {
			w.Parts = []syntax.WordPart{&syntax.Lit{Value: name + "=***"}}
			continue
		}
		if i+1 >= len(args) {
			continue
		}
		next := args[i+1]
		switch {
		case reSecretFlag.MatchString(lit):
			next.Parts = []syntax.WordPart{&syntax.Lit{Value: "***"}}
		case reHeaderFlag.MatchString(lit):
			if m := reCredHeader.FindStringSubmatch(wordText(next)); m != nil {
				next.Parts = []syntax.WordPart{&syntax.SglQuoted{Value: m[1] + ": ***"}}
			}
		}
	}
}

// wordText returns the literal text of w with quoting removed. Expansions
// contribute nothing.
func wordText(w *syntax.Word) string {
	var sb strings.Builder
	var add func(parts []syntax.WordPart)
	add = func(parts []syntax.WordPart) {
		for _, p := range parts {
			switch p := p.(type) {
			case *syntax.Lit:
				sb.WriteString(p.Value)
			case *syntax.SglQuoted:
				sb.WriteString(p.Value)
			case *syntax.DblQuoted:
				add(p.Parts)
			}
		}
	}
	add(w.Parts)
	return sb.String()
}

var (
	reEnvVar    = regexp.MustCompile(`(?i)\$env:([A-Za-z_][A-Za-z0-9_]*)`)
	reBraceVar  = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)
	reSimpleVar = regexp.MustCompile(`\$([A-Za-z_][A-Za-z0-9_]*)`)
	reAssign    = regexp.MustCompile(`\b([A-Za-z_][A-Za-z0-9_]*)=(\S+)`)
	reFlagValue = regexp.MustCompile(`(?i)(\s-{1,2}(?:pass|passwd|password|token|secret|api[-_]?key|access[-_]?key|auth[-_]?token|client[-_]?secret))(\s+|=|:)(\S+)`)
)

// regexRedact is the fallback for commands that fail AST parsing.
func regexRedact(cmd string) string {
	// $env:VAR → $env:REDACTED
	cmd = reEnvVar.ReplaceAllStringFunc(cmd, func(m string) string {
		name := reEnvVar.FindStringSubmatch(m)[1]
		if safeVars[strings.ToUpper(name)] {
			return m
		}
		return "$env:REDACTED"
	})

	// ${VAR} → ${REDACTED}
	cmd = reBraceVar.ReplaceAllStringFunc(cmd, func(m string) string {
		name := reBraceVar.FindStringSubmatch(m)[1]
		if safeVars[name] || specialParams[name] {
			return m
		}
		return "${REDACTED}"
	})

	// $VAR → $REDACTED
	cmd = reSimpleVar.ReplaceAllStringFunc(cmd, func(m string) string {
		name := reSimpleVar.FindStringSubmatch(m)[1]
		if name == "REDACTED" || strings.EqualFold(name, "env") {
			return m
		}
		if safeVars[name] || specialParams[name] {
			return m
		}
		return "$REDACTED"
	})

	// -Password value → -Password ***
	cmd = reFlagValue.ReplaceAllString(cmd, "$1$2***")

	// VAR=value → VAR=***
	cmd = reAssign.ReplaceAllStringFunc(cmd, func(m string) string {
		parts := reAssign.FindStringSubmatch(m)
		name := parts[1]
		if safeVars[name] {
			return m
		}
		return name + "=***"
	})

	return cmd
}
