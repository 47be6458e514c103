package breakpoint

import "strings"

// compileLogpointCondition rewrites a log-message template into the
// side-effectful expression the manager submits as a breakpoint's
// condition: each "{expr}" becomes one "%s" placeholder in a console.log
// format string and one argument, plain text is preserved literally, and
// the expression is suffixed with ", false" so the debugger never
// actually pauses.
//
// The function is pure: compiling the same template twice produces
// byte-identical output.
func compileLogpointCondition(template string) string {
	var format strings.Builder
	var args []string

	i := 0
	for i < len(template) {
		open := strings.IndexByte(template[i:], '{')
		if open == -1 {
			format.WriteString(escapeForJSString(template[i:]))
			break
		}
		open += i
		format.WriteString(escapeForJSString(template[i:open]))

		close := strings.IndexByte(template[open:], '}')
		if close == -1 {
			// Unterminated placeholder: treat the rest as literal text.
			format.WriteString(escapeForJSString(template[open:]))
			break
		}
		close += open

		expr := strings.TrimSpace(template[open+1 : close])
		format.WriteString("%s")
		args = append(args, expr)

		i = close + 1
	}

	var b strings.Builder
	b.WriteString("console.log(\"")
	b.WriteString(format.String())
	b.WriteString("\"")
	for _, a := range args {
		b.WriteString(", ")
		b.WriteString(a)
	}
	b.WriteString("), false")
	return b.String()
}

// escapeForJSString escapes characters that would otherwise break out of
// the double-quoted JS string literal console.log's format argument is
// wrapped in.
func escapeForJSString(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `"`, `\"`)
	s = strings.ReplaceAll(s, "\n", `\n`)
	return s
}
