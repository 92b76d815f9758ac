package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"slices"
	"strconv"
	"strings"

	"github.com/raphaelgruber/xflow/internal/gate"
	"github.com/raphaelgruber/xflow/internal/models"
)

// errNeeds2FA is returned for the 2FA checkpoint, which is answered through
// the login commands rather than a decision.
var errNeeds2FA = errors.New("job is waiting for a two-factor code: finish with 'xflow login complete <thread-id> <code>'")

// prompter asks for decisions on a line-oriented input.
// Lines are read on a separate goroutine so that a pending prompt can be
// abandoned when the context is cancelled.
type prompter struct {
	lines <-chan string
	out   io.Writer
	theme Theme
}

func newPrompter(in io.Reader, out io.Writer) *prompter {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()
	return &prompter{lines: lines, out: out, theme: defaultTheme}
}

// ask prints label and waits for one line of input.
func (p *prompter) ask(ctx context.Context, label string) (string, error) {
	fmt.Fprint(p.out, label)
	select {
	case <-ctx.Done():
		fmt.Fprintln(p.out)
		return "", ctx.Err()
	case line, ok := <-p.lines:
		if !ok {
			return "", io.EOF
		}
		return strings.TrimSpace(line), nil
	}
}

// askText reads lines until a line holding a single ".".
func (p *prompter) askText(ctx context.Context, label string) (string, error) {
	fmt.Fprintln(p.out, label)
	fmt.Fprintln(p.out, p.theme.hintStyle().Render("End with a line containing a single '.'"))
	var lines []string
	for {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case line, ok := <-p.lines:
			if !ok {
				return "", io.EOF
			}
			if strings.TrimSpace(line) == "." {
				return strings.Join(lines, "\n"), nil
			}
			lines = append(lines, line)
		}
	}
}

// decide shows the checkpoint and reads a decision for it.
func (p *prompter) decide(ctx context.Context, cp gate.Checkpoint, s *models.PipelineState) (models.ValidationDecision, error) {
	if cp == gate.Await2FACode {
		return models.ValidationDecision{}, errNeeds2FA
	}
	if info, ok := gate.Describe(cp); ok {
		fmt.Fprintf(p.out, "\n%s\n%s\n\n", p.theme.statusStyle().Bold(true).Render(info.Title), info.Description)
	}

	switch cp {
	case gate.AwaitTopicSelection:
		return p.decideTopic(ctx, s)
	case gate.AwaitContentValidation:
		showContent(p.out, s)
	case gate.AwaitImageValidation:
		showImages(p.out, s)
	}

	allowed := gate.Actions(cp)
	for {
		answer, err := p.ask(ctx, actionPrompt(allowed))
		if err != nil {
			return models.ValidationDecision{}, err
		}
		action, ok := parseAction(answer, allowed)
		if !ok {
			fmt.Fprintln(p.out, p.theme.errorStyle().Render("Unknown choice: "+answer))
			continue
		}
		return p.complete(ctx, action)
	}
}

func (p *prompter) decideTopic(ctx context.Context, s *models.PipelineState) (models.ValidationDecision, error) {
	for i, t := range s.TrendingTopics {
		fmt.Fprintf(p.out, "  %2d) %s (%s)\n", i+1, t.Name, t.Volume())
	}
	fmt.Fprintln(p.out)

	for {
		answer, err := p.ask(ctx, "Topic number, or [r]eject: ")
		if err != nil {
			return models.ValidationDecision{}, err
		}
		if action, ok := parseAction(answer, []models.DecisionAction{models.ActionReject}); ok {
			return p.complete(ctx, action)
		}
		n, err := strconv.Atoi(answer)
		if err != nil || n < 1 || n > len(s.TrendingTopics) {
			fmt.Fprintln(p.out, p.theme.errorStyle().Render("Pick a number between 1 and "+strconv.Itoa(len(s.TrendingTopics))))
			continue
		}
		return models.SelectTopic(s.TrendingTopics[n-1]), nil
	}
}

// complete gathers the payload an action needs.
func (p *prompter) complete(ctx context.Context, action models.DecisionAction) (models.ValidationDecision, error) {
	switch action {
	case models.ActionReject:
		for {
			feedback, err := p.ask(ctx, "Feedback: ")
			if err != nil {
				return models.ValidationDecision{}, err
			}
			if feedback != "" {
				return models.Reject(feedback), nil
			}
		}
	case models.ActionEdit:
		content, err := p.askText(ctx, "Enter the final content:")
		if err != nil {
			return models.ValidationDecision{}, err
		}
		return models.Edit(map[string]any{"final_content": content}), nil
	default:
		return models.Approve(), nil
	}
}

func actionPrompt(allowed []models.DecisionAction) string {
	parts := make([]string, len(allowed))
	for i, a := range allowed {
		s := string(a)
		parts[i] = "[" + s[:1] + "]" + s[1:]
	}
	return strings.Join(parts, ", ") + ": "
}

// parseAction accepts an action name or its first letter.
func parseAction(answer string, allowed []models.DecisionAction) (models.DecisionAction, bool) {
	answer = strings.ToLower(answer)
	if answer == "" {
		return "", false
	}
	for _, a := range allowed {
		if answer == string(a) || answer == string(a)[:1] {
			return a, true
		}
	}
	return "", false
}

func showContent(w io.Writer, s *models.PipelineState) {
	content := s.FinalContent
	if content == "" {
		content = s.ContentDraft
	}
	fmt.Fprintln(w, indent(content))
	prompts := s.FinalImagePrompts
	if len(prompts) == 0 {
		prompts = s.ImagePrompts
	}
	if len(prompts) > 0 {
		fmt.Fprintln(w, "\nImage prompts:")
		for _, ip := range prompts {
			fmt.Fprintf(w, "  • %s\n", ip)
		}
	}
	fmt.Fprintln(w)
}

func showImages(w io.Writer, s *models.PipelineState) {
	images := slices.DeleteFunc(slices.Clone(s.GeneratedImages), func(img models.GeneratedImage) bool {
		return !img.IsGenerated
	})
	if len(images) == 0 {
		fmt.Fprintln(w, "  (no images were generated)")
	}
	for _, img := range images {
		location := img.S3URL
		if location == "" {
			location = img.LocalFilePath
		}
		fmt.Fprintf(w, "  • %s  %s\n", img.ImageName, location)
	}
	fmt.Fprintln(w)
}

func indent(text string) string {
	if text == "" {
		return "  (empty)"
	}
	return "  " + strings.ReplaceAll(text, "\n", "\n  ")
}
