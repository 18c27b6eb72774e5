// Command patchforge-admin is the operator CLI for the job system: enqueue
// and control jobs, tail their output, and run database maintenance.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/patchforge/patchforge/config"
	"github.com/patchforge/patchforge/internal/bootstrap"
	"github.com/patchforge/patchforge/internal/core"
	"github.com/patchforge/patchforge/internal/domain/model"
	"github.com/patchforge/patchforge/internal/service"
)

type commandFn func(cmdCtx *commandContext, args []string) error

type command struct {
	name        string
	description string
	run         commandFn
}

type commandContext struct {
	Ctx    context.Context
	Logger *slog.Logger
	Config config.AppConfig
}

func main() {
	logger := bootstrap.InitLogger()

	if len(os.Args) < 2 {
		printUsage()
		os.Exit(2) //nolint:forbidigo // CLI must exit with failure status when no command is provided
	}

	cmdName := os.Args[1]
	cmd, ok := commands()[cmdName]
	if !ok {
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n", cmdName)
		printUsage()
		os.Exit(2) //nolint:forbidigo // CLI must exit with failure status when command is unknown
	}

	cfg, err := bootstrap.LoadConfig()
	if err != nil {
		logger.Error("load config", "error", err)
		os.Exit(1) //nolint:forbidigo // CLI must signal configuration load failure to shell scripts
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cmdCtx := &commandContext{
		Ctx:    ctx,
		Logger: logger,
		Config: cfg,
	}
	if runErr := cmd.run(cmdCtx, os.Args[2:]); runErr != nil {
		logger.ErrorContext(ctx, "command failed", "command", cmdName, "error", runErr)
		os.Exit(1) //nolint:forbidigo // CLI must propagate command execution failure to callers
	}
}

func commands() map[string]command {
	return map[string]command{
		"migrate": {
			name:        "migrate",
			description: "Run database migrations",
			run:         runMigrate,
		},
		"enqueue": {
			name:        "enqueue",
			description: "Queue a job for a tracker issue",
			run:         runEnqueue,
		},
		"stop": {
			name:        "stop",
			description: "Stop a job and kill its agent if running",
			run:         runStop,
		},
		"start": {
			name:        "start",
			description: "Requeue a stopped or failed job with a fresh retry budget",
			run:         runStart,
		},
		"message": {
			name:        "message",
			description: "Send a message to a job's agent",
			run:         runMessage,
		},
		"status": {
			name:        "status",
			description: "Show one job's state",
			run:         runStatus,
		},
		"list": {
			name:        "list",
			description: "List active jobs",
			run:         runList,
		},
		"logs": {
			name:        "logs",
			description: "Stream a job's output log",
			run:         runLogs,
		},
		"budget": {
			name:        "budget",
			description: "Show the token budget gate status",
			run:         runBudget,
		},
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, "usage: patchforge-admin <command> [flags]")
	fmt.Fprintln(os.Stderr)

	cmds := commands()
	names := make([]string, 0, len(cmds))
	for name := range cmds {
		names = append(names, name)
	}
	sort.Strings(names)

	w := tabwriter.NewWriter(os.Stderr, 2, 4, 2, ' ', 0)
	for _, name := range names {
		fmt.Fprintf(w, "  %s\t%s\n", name, cmds[name].description)
	}
	w.Flush()
}

// withEngine connects storage, builds the service graph, runs fn, and tears
// everything down again. Admin commands are one-shot; nothing stays running.
func withEngine(cmdCtx *commandContext, fn func(*bootstrap.Engine) error) error {
	db, err := bootstrap.ConnectDB(cmdCtx.Config.Postgres, cmdCtx.Logger)
	if err != nil {
		return err
	}

	redisClient, redisErr := bootstrap.ConnectRedis(cmdCtx.Config.Redis, cmdCtx.Logger)
	if redisErr != nil {
		redisClient = nil
	}

	engine, err := bootstrap.NewEngine(bootstrap.EngineDeps{
		Config: &cmdCtx.Config,
		Logger: cmdCtx.Logger,
		DB:     db,
		Redis:  redisClient,
	})
	if err != nil {
		_ = db.Close()
		if redisClient != nil {
			_ = redisClient.Close()
		}
		return err
	}
	defer engine.Close()

	return fn(engine)
}

func runMigrate(cmdCtx *commandContext, args []string) error {
	fs := flag.NewFlagSet("migrate", flag.ContinueOnError)
	timeout := fs.Duration("timeout", 5*time.Minute, "migration timeout")
	if err := fs.Parse(args); err != nil {
		return err
	}

	db, err := bootstrap.ConnectDB(cmdCtx.Config.Postgres, cmdCtx.Logger)
	if err != nil {
		return err
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(cmdCtx.Ctx, *timeout)
	defer cancel()
	return bootstrap.RunMigrations(ctx, db, cmdCtx.Logger)
}

func runEnqueue(cmdCtx *commandContext, args []string) error {
	fs := flag.NewFlagSet("enqueue", flag.ContinueOnError)
	owner := fs.String("owner", "", "repository owner (required)")
	repo := fs.String("repo", "", "repository name (required)")
	issue := fs.Int("issue", 0, "issue number (required)")
	trigger := fs.Int64("trigger", 0, "tracker comment id that triggered the job")
	user := fs.String("user", "", "billing account for the job")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *owner == "" || *repo == "" || *issue <= 0 {
		return errors.New("enqueue requires -owner, -repo, and -issue")
	}

	return withEngine(cmdCtx, func(e *bootstrap.Engine) error {
		params := service.EnqueueParams{
			Owner:      *owner,
			Repo:       *repo,
			UnitNumber: *issue,
			TriggerID:  *trigger,
		}
		if *user != "" {
			params.UserID = user
		}
		job, err := e.JobService.Enqueue(cmdCtx.Ctx, params)
		if err != nil {
			return err
		}
		fmt.Printf("queued %s: %s\n", job.Key(), job.IssueTitle)
		return nil
	})
}

func jobKeyArg(fs *flag.FlagSet, args []string) (string, error) {
	key := fs.String("job", "", "job key, e.g. owner/repo#42 (required)")
	if err := fs.Parse(args); err != nil {
		return "", err
	}
	if *key == "" {
		return "", errors.New("-job is required")
	}
	if _, _, _, err := model.ParseKey(*key); err != nil {
		return "", err
	}
	return *key, nil
}

func runStop(cmdCtx *commandContext, args []string) error {
	key, err := jobKeyArg(flag.NewFlagSet("stop", flag.ContinueOnError), args)
	if err != nil {
		return err
	}
	return withEngine(cmdCtx, func(e *bootstrap.Engine) error {
		if stopErr := e.JobService.Stop(cmdCtx.Ctx, key); stopErr != nil {
			return stopErr
		}
		fmt.Printf("stopped %s\n", key)
		return nil
	})
}

func runStart(cmdCtx *commandContext, args []string) error {
	key, err := jobKeyArg(flag.NewFlagSet("start", flag.ContinueOnError), args)
	if err != nil {
		return err
	}
	return withEngine(cmdCtx, func(e *bootstrap.Engine) error {
		if startErr := e.JobService.Start(cmdCtx.Ctx, key); startErr != nil {
			return startErr
		}
		fmt.Printf("requeued %s\n", key)
		return nil
	})
}

func runMessage(cmdCtx *commandContext, args []string) error {
	fs := flag.NewFlagSet("message", flag.ContinueOnError)
	key := fs.String("job", "", "job key, e.g. owner/repo#42 (required)")
	text := fs.String("text", "", "message text (required)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *key == "" || *text == "" {
		return errors.New("message requires -job and -text")
	}

	return withEngine(cmdCtx, func(e *bootstrap.Engine) error {
		delivered, err := e.JobService.SendMessage(cmdCtx.Ctx, *key, *text)
		if err != nil {
			return err
		}
		if delivered {
			fmt.Println("delivered to running agent")
		} else {
			fmt.Println("recorded; the agent will see it on its next run")
		}
		return nil
	})
}

func runStatus(cmdCtx *commandContext, args []string) error {
	key, err := jobKeyArg(flag.NewFlagSet("status", flag.ContinueOnError), args)
	if err != nil {
		return err
	}
	return withEngine(cmdCtx, func(e *bootstrap.Engine) error {
		job, getErr := e.JobService.GetStatus(cmdCtx.Ctx, key)
		if getErr != nil {
			return getErr
		}
		w := tabwriter.NewWriter(os.Stdout, 2, 4, 2, ' ', 0)
		fmt.Fprintf(w, "job\t%s\n", job.Key())
		fmt.Fprintf(w, "status\t%s\n", job.Status)
		fmt.Fprintf(w, "title\t%s\n", job.IssueTitle)
		fmt.Fprintf(w, "branch\t%s\n", job.Branch)
		fmt.Fprintf(w, "retries\t%d\n", job.RetryCount)
		fmt.Fprintf(w, "tokens\t%d in / %d out\n", job.Tokens.Input, job.Tokens.Output)
		if job.PRUrl != "" {
			fmt.Fprintf(w, "pr\t%s\n", job.PRUrl)
		}
		if job.FailureReason != "" {
			fmt.Fprintf(w, "failure\t%s\n", job.FailureReason)
		}
		fmt.Fprintf(w, "updated\t%s\n", job.UpdatedAt.Format(time.RFC3339))
		return w.Flush()
	})
}

func runList(cmdCtx *commandContext, args []string) error {
	fs := flag.NewFlagSet("list", flag.ContinueOnError)
	if err := fs.Parse(args); err != nil {
		return err
	}
	return withEngine(cmdCtx, func(e *bootstrap.Engine) error {
		jobs, err := e.JobService.List(cmdCtx.Ctx)
		if err != nil {
			return err
		}
		if len(jobs) == 0 {
			fmt.Println("no active jobs")
			return nil
		}
		w := tabwriter.NewWriter(os.Stdout, 2, 4, 2, ' ', 0)
		fmt.Fprintln(w, "JOB\tSTATUS\tRETRIES\tTOKENS\tTITLE")
		for _, job := range jobs {
			fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%s\n",
				job.Key(), job.Status, job.RetryCount, job.Tokens.Total(), job.IssueTitle)
		}
		return w.Flush()
	})
}

func runLogs(cmdCtx *commandContext, args []string) error {
	fs := flag.NewFlagSet("logs", flag.ContinueOnError)
	key := fs.String("job", "", "job key, e.g. owner/repo#42 (required)")
	after := fs.Int64("after", 0, "replay lines with sequence greater than this")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *key == "" {
		return errors.New("-job is required")
	}

	return withEngine(cmdCtx, func(e *bootstrap.Engine) error {
		out := make(chan model.OutputLine, 64)
		printed := make(chan struct{})
		go func() {
			defer close(printed)
			for line := range out {
				if line.Content == core.StreamEndMarker {
					continue
				}
				fmt.Printf("[%s] %s\n", line.Kind, line.Content)
			}
		}()

		err := e.JobService.StreamLog(cmdCtx.Ctx, *key, *after, out)
		close(out)
		<-printed
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})
}

func runBudget(cmdCtx *commandContext, args []string) error {
	fs := flag.NewFlagSet("budget", flag.ContinueOnError)
	if err := fs.Parse(args); err != nil {
		return err
	}
	return withEngine(cmdCtx, func(e *bootstrap.Engine) error {
		snap, err := e.JobService.BudgetStatus(cmdCtx.Ctx)
		if err != nil {
			return err
		}
		w := tabwriter.NewWriter(os.Stdout, 2, 4, 2, ' ', 0)
		fmt.Fprintf(w, "hourly\t%d / %s\n", snap.HourlyUsed, limitText(snap.HourlyLimit))
		fmt.Fprintf(w, "daily\t%d / %s\n", snap.DailyUsed, limitText(snap.DailyLimit))
		fmt.Fprintf(w, "paused\t%v\n", snap.Paused)
		if snap.ResumesAt != nil {
			fmt.Fprintf(w, "resumes\t%s\n", snap.ResumesAt.Format(time.RFC3339))
		}
		return w.Flush()
	})
}

func limitText(limit int64) string {
	if limit <= 0 {
		return "unlimited"
	}
	return fmt.Sprintf("%d", limit)
}
