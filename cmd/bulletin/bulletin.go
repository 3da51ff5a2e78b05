package main

import (
	"fmt"
	"os"

	"github.com/modfin/bulletin"
	"github.com/rs/xid"
	"github.com/urfave/cli/v2"
)

func main() {
	app := &cli.App{
		Name:  "bulletin",
		Usage: "a cli for publishing newsletter issues through a bulletind server",

		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "host",
				Usage:   "the bulletind server, eg https://bulletin.example.com",
				EnvVars: []string{"BULLETIN_HOST"},
				Value:   "http://localhost:8080",
			},
			&cli.StringFlag{
				Name:    "key-id",
				Usage:   "admin key id",
				EnvVars: []string{"BULLETIN_KEY_ID"},
			},
			&cli.StringFlag{
				Name:    "secret",
				Usage:   "admin key secret",
				EnvVars: []string{"BULLETIN_SECRET"},
			},
		},

		Commands: []*cli.Command{
			{
				Name:  "publish",
				Usage: "publish an issue to all confirmed subscribers",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:     "title",
						Usage:    "the title of the issue, used as the email subject",
						Required: true,
					},
					&cli.StringFlag{
						Name:  "html",
						Usage: "html content of the issue",
					},
					&cli.StringFlag{
						Name:  "text",
						Usage: "text content of the issue",
					},
					&cli.StringFlag{
						Name: "idempotency-key",
						Usage: "scopes the publish to one logical submit, retries with the same key " +
							"are replayed instead of broadcast again. A random one is generated if omitted",
					},
				},
				Action: publish,
			},
			{
				Name:      "dead-letters",
				Usage:     "list the deliveries of an issue that were given up on",
				ArgsUsage: "<issue-id>",
				Action:    deadLetters,
			},
		},
	}

	err := app.Run(os.Args)
	if err != nil {
		_, _ = fmt.Fprintln(os.Stderr, "got err", err)
		os.Exit(1)
	}
}

func client(c *cli.Context) *bulletin.Client {
	return bulletin.NewClient(c.String("key-id"), c.String("secret"), c.String("host"))
}

func publish(c *cli.Context) error {

	key := c.String("idempotency-key")
	if key == "" {
		key = xid.New().String()
		fmt.Println("idempotency-key:", key)
	}

	receipt, err := client(c).Publish(c.Context, c.String("title"), c.String("html"), c.String("text"), key)
	if err != nil {
		return err
	}

	fmt.Println("issue-id:  ", receipt.IssueId)
	fmt.Println("recipients:", receipt.Recipients)
	return nil
}

func deadLetters(c *cli.Context) error {

	issueId := c.Args().First()
	if issueId == "" {
		return fmt.Errorf("an issue id must be provided")
	}

	letters, err := client(c).DeadLetters(c.Context, issueId)
	if err != nil {
		return err
	}

	if len(letters) == 0 {
		fmt.Println("no dead letters for issue", issueId)
		return nil
	}
	for _, l := range letters {
		fmt.Printf("%s  attempts=%d  failed_at=%s\n  %s\n",
			l.SubscriberEmail, l.AttemptCount, l.FailedAt.Format("2006-01-02 15:04:05"), l.LastError)
	}
	return nil
}
