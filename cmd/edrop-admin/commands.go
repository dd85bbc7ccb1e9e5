package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/diging/edrop-connector/config"
	"github.com/diging/edrop-connector/models"
	"github.com/diging/edrop-connector/models/reports"
	"github.com/diging/edrop-connector/utils"
	"github.com/diging/edrop-connector/workflow"
	"github.com/urfave/cli/v2"
	"gorm.io/gorm"
)

// runtime holds what commands need from the outside world so tests can
// swap the database and settings.
type runtime struct {
	out          io.Writer
	openDB       func() (*gorm.DB, error)
	loadSettings func() (config.Settings, error)
}

func defaultRuntime(out io.Writer) *runtime {
	return &runtime{
		out: out,
		openDB: func() (*gorm.DB, error) {
			config.ConnectDatabaseWithRetry()
			db := config.GetDB()
			if db == nil {
				return nil, errors.New("database not initialized; set DB_* env vars")
			}
			return db, nil
		},
		loadSettings: config.LoadSettings,
	}
}

// stack wires the full engine. Only commands that call the vendor or the EDC
// need it; the rest work on the ledger alone and do not require vendor settings.
func (rt *runtime) stack(c *cli.Context) (*workflow.Stack, error) {
	settings, err := rt.loadSettings()
	if err != nil {
		return nil, err
	}
	db, err := rt.openDB()
	if err != nil {
		return nil, err
	}
	config.ConnectRedisWithRetry(c.Context)
	return workflow.NewStack(db, settings, config.GetRedisLock(), workflow.NopPublisher{}, config.GetLogger()), nil
}

func (rt *runtime) ledger() (*models.OrderLedger, error) {
	db, err := rt.openDB()
	if err != nil {
		return nil, err
	}
	return models.NewOrderLedger(db, os.Getenv("ORDER_NUMBER_PREFIX")), nil
}

func parseStatus(raw string) (models.OrderStatus, error) {
	status := models.OrderStatus(strings.ToUpper(strings.TrimSpace(raw)))
	if status != "" && !status.IsValid() {
		return "", fmt.Errorf("unknown status %s", status)
	}
	return status, nil
}

func orderFlag() cli.Flag {
	return &cli.StringFlag{Name: "order", Aliases: []string{"o"}, Usage: "order number, e.g. EDROP-00014", Required: true}
}

func statusFlag() cli.Flag {
	return &cli.StringFlag{Name: "status", Usage: "PENDING, INITIATED, SHIPPED or DONE"}
}

func newApp(rt *runtime) *cli.App {
	return &cli.App{
		Name:      "edrop-admin",
		Usage:     "operate the kit ordering connector",
		Writer:    rt.out,
		ErrWriter: rt.out,
		Commands: []*cli.Command{
			{
				Name:  "migrate",
				Usage: "create or update the orders and audit log tables",
				Action: func(c *cli.Context) error {
					db, err := rt.openDB()
					if err != nil {
						return err
					}
					if err := models.MigrateTable(db); err != nil {
						return err
					}
					fmt.Fprintln(rt.out, "migrations applied")
					return nil
				},
			},
			{
				Name:  "place-order",
				Usage: "place (or retry) the kit order for one record",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "record", Aliases: []string{"r"}, Usage: "EDC record id", Required: true},
					&cli.StringFlag{Name: "operator", Value: "edrop-admin", Usage: "name recorded as the initiator"},
				},
				Action: func(c *cli.Context) error {
					st, err := rt.stack(c)
					if err != nil {
						return err
					}
					res, err := st.Engine.PlaceOrder(c.Context, workflow.PlaceRequest{
						RecordId:    c.String("record"),
						InitiatedBy: c.String("operator"),
					})
					fmt.Fprintf(rt.out, "outcome=%s order=%s\n", res.Outcome, res.Order.Number())
					return err
				},
			},
			{
				Name:  "reconcile",
				Usage: "run one confirmation check now",
				Action: func(c *cli.Context) error {
					st, err := rt.stack(c)
					if err != nil {
						return err
					}
					report, err := st.Scheduler.RunOnce(c.Context)
					if err != nil {
						return err
					}
					fmt.Fprintf(rt.out, "run=%s in_flight=%d confirmed=%d shipped=%d edc_written=%t\n",
						report.RunId, report.InFlight, report.Confirmed, len(report.Shipped), report.EDCWritten)
					for number, msg := range report.Errors {
						fmt.Fprintf(rt.out, "error %s: %s\n", number, msg)
					}
					return nil
				},
			},
			{
				Name:  "list-orders",
				Usage: "list orders, optionally by status",
				Flags: []cli.Flag{statusFlag()},
				Action: func(c *cli.Context) error {
					status, err := parseStatus(c.String("status"))
					if err != nil {
						return err
					}
					ledger, err := rt.ledger()
					if err != nil {
						return err
					}
					orders, err := ledger.ListOrders(c.Context, status)
					if err != nil {
						return err
					}
					tw := tabwriter.NewWriter(rt.out, 0, 4, 2, ' ', 0)
					fmt.Fprintln(tw, "ORDER\tRECORD\tSTATUS\tATTEMPTS\tUNCERTAIN\tSHIP DATE")
					for _, o := range orders {
						fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%t\t%s\n", o.Number(), o.RecordId, o.Status, o.SubmitAttempts, o.SubmitUncertain, o.ShipDate)
					}
					return tw.Flush()
				},
			},
			{
				Name:  "complete-order",
				Usage: "mark a shipped order DONE",
				Flags: []cli.Flag{orderFlag()},
				Action: func(c *cli.Context) error {
					ledger, err := rt.ledger()
					if err != nil {
						return err
					}
					order, err := ledger.MarkDone(c.Context, c.String("order"))
					if err != nil {
						return err
					}
					fmt.Fprintf(rt.out, "%s is %s\n", order.Number(), order.Status)
					return nil
				},
			},
			{
				Name:  "clear-uncertain",
				Usage: "allow resubmission after confirming with the vendor that the order was not received",
				Flags: []cli.Flag{orderFlag()},
				Action: func(c *cli.Context) error {
					ledger, err := rt.ledger()
					if err != nil {
						return err
					}
					order, err := ledger.ClearSubmitUncertain(c.Context, c.String("order"))
					if err != nil {
						return err
					}
					fmt.Fprintf(rt.out, "%s may be resubmitted\n", order.Number())
					return nil
				},
			},
			{
				Name:  "export-orders",
				Usage: "write orders to an XLSX workbook",
				Flags: []cli.Flag{
					statusFlag(),
					&cli.StringFlag{Name: "out", Value: "orders.xlsx", Usage: "output file"},
				},
				Action: func(c *cli.Context) error {
					status, err := parseStatus(c.String("status"))
					if err != nil {
						return err
					}
					ledger, err := rt.ledger()
					if err != nil {
						return err
					}
					orders, err := ledger.ListOrders(c.Context, status)
					if err != nil {
						return err
					}
					if err := reports.SaveOrders(c.Context, c.String("out"), orders); err != nil {
						return err
					}
					fmt.Fprintf(rt.out, "wrote %d orders to %s\n", len(orders), c.String("out"))
					return nil
				},
			},
			{
				Name:  "purge-runs",
				Usage: "delete completed confirmation run logs older than --days",
				Flags: []cli.Flag{
					&cli.IntFlag{Name: "days", Value: 7},
				},
				Action: func(c *cli.Context) error {
					days := c.Int("days")
					if days < 0 {
						return errors.New("--days must not be negative")
					}
					db, err := rt.openDB()
					if err != nil {
						return err
					}
					cutoff := time.Now().UTC().Add(-time.Duration(days) * 24 * time.Hour)
					n, err := models.NewLogManager(db, config.GetLogger()).PurgeRunLogs(c.Context, cutoff)
					if err != nil {
						return err
					}
					fmt.Fprintf(rt.out, "deleted %d run logs\n", n)
					return nil
				},
			},
			{
				Name:  "issue-token",
				Usage: "print an admin API bearer token signed with API_SECRET",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "subject", Usage: "operator name carried in the token", Required: true},
					&cli.DurationFlag{Name: "ttl", Value: 12 * time.Hour},
				},
				Action: func(c *cli.Context) error {
					if strings.TrimSpace(os.Getenv("API_SECRET")) == "" {
						return errors.New("API_SECRET is not set")
					}
					token, err := utils.JwtGenerate(c.String("subject"), c.Duration("ttl"))
					if err != nil {
						return err
					}
					fmt.Fprintln(rt.out, token)
					return nil
				},
			},
		},
	}
}
