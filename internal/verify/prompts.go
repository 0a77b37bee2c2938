package verify

import (
	"fmt"
	"strings"
)

// WriteGuard is prepended to every verified task. It forbids answering with
// file contents instead of writing them and demands an ls confirmation.
const WriteGuard = `CRITICAL FILE-WRITE RULES (you MUST follow these):
1. You MUST use the Write tool to save any file output. NEVER just display file contents in chat.
2. Do NOT output the full file content in your response text. Only output brief status updates.
3. After writing each file, immediately run: ls -l <filepath> to confirm it exists and has non-zero size.
4. If a file is too large to write in one call, write it in chunks. Do NOT skip the write.
5. You have NOT completed the task until all target files are confirmed on disk via ls.`

// GuardedPrompt wraps a task with WriteGuard and the expected file list.
func GuardedPrompt(message string, expectedFiles []string) string {
	var builder strings.Builder
	builder.WriteString(WriteGuard)
	builder.WriteString("\n\n---\n\nTASK:\n")
	builder.WriteString(message)
	builder.WriteString("\n\nEXPECTED OUTPUT FILES:\n")
	builder.WriteString(bulletList(expectedFiles))
	return builder.String()
}

// VerificationPrompt asks the agent to list every expected file and report
// each one as EXISTS or MISSING.
func VerificationPrompt(expectedFiles []string) string {
	checks := make([]string, 0, len(expectedFiles))
	for _, file := range expectedFiles {
		checks = append(checks, fmt.Sprintf("ls -l %q", file))
	}
	return fmt.Sprintf(`VERIFICATION STEP: do not skip this.
Run the following command and report the output exactly:
%s

For each file, report:
- EXISTS: <filepath> (<size> bytes)
- MISSING: <filepath>

If ANY file is MISSING or has 0 bytes, you MUST retry writing it now. Do NOT report success if files are missing.`,
		strings.Join(checks, " && "))
}

// RetryPrompt names the files that are still missing and asks for them to be
// written now.
func RetryPrompt(missingFiles []string) string {
	return "RETRY: The following files are MISSING or EMPTY after your previous attempt:\n" +
		bulletList(missingFiles) +
		"\n\nYou MUST write these files now using the Write tool. Do NOT display their contents in chat. After writing, run ls -l to confirm."
}

func bulletList(items []string) string {
	lines := make([]string, 0, len(items))
	for _, item := range items {
		lines = append(lines, "- "+item)
	}
	return strings.Join(lines, "\n")
}
