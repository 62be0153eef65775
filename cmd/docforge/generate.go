package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"sync"

	"docforge/internal/apperr"
	"docforge/internal/bootstrap"
	"docforge/internal/config"
	"docforge/internal/doctype"
	"docforge/internal/entity"
	"docforge/internal/flow"
	"docforge/internal/screen"
	"docforge/internal/tracer"
	"docforge/pkg/protocol"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var (
	titleColor    = color.New(color.FgCyan, color.Bold)
	questionColor = color.New(color.FgYellow)
	hintColor     = color.New(color.FgHiBlack)
	noticeColor   = color.New(color.FgRed)
	doneColor     = color.New(color.FgGreen)
)

type generateOptions struct {
	project string
	docType string
	source  string
	outPath string
	yes     bool
	restart bool
}

func newGenerateCmd() *cobra.Command {
	var opts generateOptions

	cmd := &cobra.Command{
		Use:   "generate <document-type>",
		Short: "Answer the questions for a document and stream its generation",
		Long: "Resumes the stored session for the project and document type: unanswered\n" +
			"questions are asked on stdin, the document is revealed as it streams and the\n" +
			"finished artifact is written to --out. Answer \"?\" to get a suggestion.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.docType = args[0]

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			shutdownTracer := tracer.InitTracer("docforge-cli")
			defer shutdownTracer(context.Background())

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
			defer stop()
			return runGenerate(ctx, cfg, opts, cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVarP(&opts.project, "project", "p", "", "project id (required)")
	cmd.Flags().StringVar(&opts.source, "source", "", "text file to extract answers from")
	cmd.Flags().StringVarP(&opts.outPath, "out", "o", "", "where to write the artifact (default: the document type's file name)")
	cmd.Flags().BoolVarP(&opts.yes, "yes", "y", false, "submit without asking after review")
	cmd.Flags().BoolVar(&opts.restart, "restart", false, "discard the stored session and start over")
	return cmd
}

func runGenerate(ctx context.Context, cfg *config.Config, opts generateOptions, in io.Reader, out io.Writer) error {
	docType, err := doctype.Parse(opts.docType)
	if err != nil {
		return err
	}
	if strings.TrimSpace(opts.project) == "" {
		return fmt.Errorf("--project is required")
	}
	d, _ := doctype.Lookup(docType)

	container, err := bootstrap.NewContainer(ctx, cfg, opts.project)
	if err != nil {
		return err
	}
	defer container.Close()

	changed := make(chan struct{}, 1)
	s, err := container.NewScreen(docType, func() {
		select {
		case changed <- struct{}{}:
		default:
		}
	})
	if err != nil {
		return err
	}
	if err := s.Mount(ctx); err != nil {
		return err
	}
	defer func() {
		s.Unmount(context.Background())
		s.Wait()
	}()

	r := newRenderer(out)
	watchCtx, cancelWatch := context.WithCancel(ctx)
	updates, err := container.Sessions.Watch(watchCtx, s.Key())
	if err != nil {
		cancelWatch()
		return err
	}
	var rendering sync.WaitGroup
	rendering.Add(1)
	go func() {
		defer rendering.Done()
		for sess := range updates {
			if sess.ViewStage == entity.StageGenerating || sess.ViewStage == entity.StageArtifactReady {
				r.Text(sess.DisplayedText, !sess.Completed)
			}
		}
	}()
	defer func() {
		cancelWatch()
		rendering.Wait()
	}()

	if opts.restart {
		if err := s.StartOver(ctx); err != nil {
			return err
		}
	}

	r.Colorf(titleColor, "%s for project %s\n", d.Title, opts.project)

	lines := bufio.NewScanner(in)
	lines.Buffer(make([]byte, 0, 64*1024), protocol.MaxCommandTextBytes)
	readLine := func() (string, error) {
		if !lines.Scan() {
			if err := lines.Err(); err != nil {
				return "", err
			}
			return "", io.EOF
		}
		return lines.Text(), nil
	}

	announced := false
	for {
		v, err := s.View(ctx)
		if err != nil {
			return err
		}
		for _, n := range v.Notices {
			r.Colorf(noticeColor, "\n! %s\n", n.Message)
			s.Dismiss(n.Id)
		}

		if v.Stage == entity.StageArtifactReady {
			r.Text(v.DisplayedText, false)
			return saveArtifact(ctx, s, r, opts.outPath, d)
		}

		switch v.Flow {
		case flow.StateAwaitingSourceChoice:
			if opts.source != "" {
				text, err := os.ReadFile(opts.source)
				if err != nil {
					return err
				}
				r.Printf("Uploading %s...\n", opts.source)
				if err := s.ChooseUpload(ctx, string(text)); err != nil {
					return err
				}
			} else if err := s.ChooseManual(ctx); err != nil {
				return err
			}
			continue

		case flow.StateUploading:
			if v.Indicator != "" && !announced {
				announced = true
				r.Colorf(hintColor, "Analyzing document...\n")
			}

		case flow.StateQuestioning:
			if v.Current == nil {
				break
			}
			r.Colorf(questionColor, "\n%d. %s\n", v.Current.Ordinal, v.Current.Prompt)
			r.Printf("> ")
			answer, err := readLine()
			if err != nil {
				return err
			}
			if strings.TrimSpace(answer) == "?" {
				suggestion, err := s.SuggestAnswer(ctx)
				if err != nil {
					r.Colorf(hintColor, "  no suggestion: %v\n", err)
				} else {
					r.Colorf(hintColor, "  suggestion: %s\n", suggestion)
				}
				continue
			}
			if err := s.ConfirmAnswer(ctx, answer); err != nil && !apperr.IsUserFacing(err) {
				return err
			}
			continue

		case flow.StateReviewing:
			printReview(r, v)
			if !opts.yes {
				r.Printf("Submit for generation? [Y/n] ")
				line, err := readLine()
				if err != nil {
					return err
				}
				if strings.EqualFold(strings.TrimSpace(line), "n") {
					return nil
				}
			}
			if err := s.Submit(ctx); err != nil {
				return err
			}
			r.Printf("\n")
			continue

		case flow.StateGenerating:
			if v.CanRetry {
				r.Colorf(hintColor, "Retrying artifact download...\n")
				if err := s.RetryArtifact(ctx); err != nil {
					return err
				}
				continue
			}
		}

		select {
		case <-changed:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func printReview(r *renderer, v screen.View) {
	r.Colorf(titleColor, "\nReview\n")
	for _, q := range v.Questions {
		answer := q.Answer
		if answer == "" {
			answer = "(no answer)"
		}
		r.Printf("%d. %s\n   %s\n", q.Ordinal, q.Prompt, answer)
	}
}

func saveArtifact(ctx context.Context, s *screen.Screen, r *renderer, outPath string, d doctype.Descriptor) error {
	a, err := s.Artifact(ctx)
	if err != nil {
		return err
	}
	if a == nil {
		return fmt.Errorf("%w: artifact missing", apperr.ErrArtifactFetch)
	}
	if outPath == "" {
		outPath = d.ArtifactName
	}
	if err := os.WriteFile(outPath, a.Content, 0o644); err != nil {
		return err
	}
	r.Colorf(doneColor, "\n\nSaved %s (%d bytes) to %s\n", a.Name, len(a.Content), outPath)
	return nil
}
