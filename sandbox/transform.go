package sandbox

import (
	"regexp"
	"strings"
)

// The transformer is pattern-based and best-effort: code that does not
// match a recognized file-write call is left untouched, and the mount
// split in the runtime remains the actual safety boundary. All rewrites
// are idempotent because a rewritten call site no longer matches the
// pattern (the argument starts with _sb_out, not a quote).
var (
	savefigRe = regexp.MustCompile(
		`(\b(?:plt|pyplot|figure|fig)\.savefig\(\s*)(['"])([^'"]+)(['"])`)
	tabularWriteRe = regexp.MustCompile(
		`(\.to_(?:csv|excel|json|parquet)\(\s*)(['"])([^'"]+)(['"])`)
	openWriteRe = regexp.MustCompile(
		`(\bopen\(\s*)(['"])([^'"]+)(['"])(\s*,\s*)(['"])([wax][bt+]*)(['"])`)

	savefigLineRe = regexp.MustCompile(`\.savefig\(`)
	plotCloseRe   = regexp.MustCompile(`\bplt\.close\(`)
)

// Transform rewrites guest code onto the output-directory contract and
// injects the file-resolution prelude. Transforming already-transformed
// code yields identical output.
func Transform(code string) string {
	body := rewriteFileWrites(code)
	body = appendPlotRelease(body)
	if strings.Contains(body, preludeMarker) {
		return body
	}
	return Prelude + "\n" + body
}

// rewriteFileWrites routes recognized write calls through _sb_out so
// that relative targets land in the output root.
func rewriteFileWrites(code string) string {
	code = savefigRe.ReplaceAllString(code, `${1}_sb_out(${2}${3}${4})`)
	code = tabularWriteRe.ReplaceAllString(code, `${1}_sb_out(${2}${3}${4})`)
	code = openWriteRe.ReplaceAllString(code,
		`${1}_sb_out(${2}${3}${4})${5}${6}${7}${8}`)
	return code
}

// appendPlotRelease inserts plt.close('all') after each plot-save call
// that is not already followed by a close, so graphics state does not
// leak across runs sharing a container lifetime. A save call may spread
// its arguments over several lines; the insertion point is the line
// where its parentheses balance out, never inside the argument list.
func appendPlotRelease(code string) string {
	if !savefigLineRe.MatchString(code) {
		return code
	}
	lines := strings.Split(code, "\n")
	out := make([]string, 0, len(lines)+2)
	for i := 0; i < len(lines); i++ {
		line := lines[i]
		out = append(out, line)
		if !savefigLineRe.MatchString(line) {
			continue
		}
		end := i
		for depth := parenDepth(line); depth > 0 && end+1 < len(lines); {
			end++
			out = append(out, lines[end])
			depth += parenDepth(lines[end])
		}
		var next string
		for j := end + 1; j < len(lines); j++ {
			if strings.TrimSpace(lines[j]) != "" {
				next = lines[j]
				break
			}
		}
		i = end
		if plotCloseRe.MatchString(next) {
			continue
		}
		trimmed := strings.TrimLeft(line, " \t")
		indent := line[:len(line)-len(trimmed)]
		out = append(out, indent+"plt.close('all')")
	}
	return strings.Join(out, "\n")
}

func parenDepth(line string) int {
	depth := 0
	for _, r := range line {
		switch r {
		case '(':
			depth++
		case ')':
			depth--
		}
	}
	return depth
}
