package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/modgate/modgate/automod/policy"
	"github.com/modgate/modgate/util/cliutil"

	cli "github.com/urfave/cli/v2"
	"github.com/xlab/treeprint"
)

var policiesCmd = &cli.Command{
	Name:  "policies",
	Usage: "print stored moderation policies, grouped by business type",
	Flags: []cli.Flag{
		&cli.BoolFlag{
			Name:  "json",
			Usage: "print JSON instead of a tree",
		},
	},
	Action: func(cctx *cli.Context) error {
		mgr, err := openManager(cctx)
		if err != nil {
			return err
		}
		defer mgr.Close()
		policies := mgr.ListPolicies()
		if cctx.Bool("json") {
			return printJSON(os.Stdout, policies)
		}
		fmt.Println(policyTree(policies).String())
		return nil
	},
}

var snapshotCmd = &cli.Command{
	Name:  "snapshot",
	Usage: "manage policy snapshots",
	Subcommands: []*cli.Command{
		{
			Name:  "create",
			Usage: "snapshot the stored policies",
			Flags: []cli.Flag{
				&cli.StringFlag{
					Name:  "by",
					Value: "cli",
				},
				&cli.StringFlag{
					Name:  "description",
					Usage: "free-form note saved with the snapshot",
				},
			},
			Action: func(cctx *cli.Context) error {
				mgr, err := openManager(cctx)
				if err != nil {
					return err
				}
				defer mgr.Close()
				snap, err := mgr.CreateSnapshot(cctx.Context, cctx.String("by"), cctx.String("description"))
				if err != nil {
					return err
				}
				fmt.Println(snap.ID)
				return nil
			},
		},
		{
			Name:  "list",
			Usage: "list snapshots, newest first",
			Action: func(cctx *cli.Context) error {
				mgr, err := openManager(cctx)
				if err != nil {
					return err
				}
				defer mgr.Close()
				snaps, err := mgr.ListSnapshots(cctx.Context)
				if err != nil {
					return err
				}
				for _, s := range snaps {
					fmt.Printf("%s\t%s\t%s\t%d policies\t%s\n", s.ID, s.Timestamp.Format("2006-01-02T15:04:05Z07:00"), s.CreatedBy, len(s.Policies), s.Description)
				}
				return nil
			},
		},
		{
			Name:      "restore",
			Usage:     "restore the stored policies to a snapshot",
			ArgsUsage: `<snapshot-id>`,
			Flags: []cli.Flag{
				&cli.StringFlag{
					Name:  "operator",
					Value: "cli",
				},
				&cli.StringFlag{
					Name: "reason",
				},
			},
			Action: func(cctx *cli.Context) error {
				id := cctx.Args().First()
				if id == "" {
					return fmt.Errorf("need to provide snapshot ID as an argument")
				}
				mgr, err := openManager(cctx)
				if err != nil {
					return err
				}
				defer mgr.Close()
				snap, err := mgr.RestoreFromSnapshot(cctx.Context, id, policy.UpdateOptions{
					Operator: cctx.String("operator"),
					Reason:   cctx.String("reason"),
					Source:   policy.SourceRestore,
				})
				if err != nil {
					return err
				}
				fmt.Printf("restored %d policies from %s\n", len(snap.Policies), snap.ID)
				return nil
			},
		},
		{
			Name:  "prune",
			Usage: "delete all but the newest snapshots",
			Flags: []cli.Flag{
				&cli.IntFlag{
					Name:  "keep",
					Usage: "number of snapshots to keep",
					Value: 50,
				},
			},
			Action: func(cctx *cli.Context) error {
				if cctx.Int("keep") < 1 {
					return fmt.Errorf("--keep must be at least 1")
				}
				mgr, err := openManager(cctx)
				if err != nil {
					return err
				}
				defer mgr.Close()
				removed, err := mgr.PruneSnapshots(cctx.Context, cctx.Int("keep"))
				if err != nil {
					return err
				}
				fmt.Printf("removed %d snapshots\n", removed)
				return nil
			},
		},
	},
}

func openManager(cctx *cli.Context) (*policy.Manager, error) {
	db, err := cliutil.SetupDatabase(cctx.String("database-url"), cctx.Int("max-db-connections"), nil)
	if err != nil {
		return nil, err
	}
	store, err := policy.NewGormStore(db)
	if err != nil {
		return nil, err
	}
	cfg := policy.DefaultConfig()
	cfg.RuleSchedule = ""
	mgr := policy.NewManager(cfg, store, nil, nil)
	ctx := cctx.Context
	if ctx == nil {
		ctx = context.Background()
	}
	if err := mgr.Load(ctx); err != nil {
		return nil, err
	}
	return mgr, nil
}

func policyTree(policies []policy.Policy) treeprint.Tree {
	byBiz := make(map[string][]policy.Policy)
	for _, p := range policies {
		byBiz[p.BizType] = append(byBiz[p.BizType], p)
	}
	bizTypes := make([]string, 0, len(byBiz))
	for bt := range byBiz {
		bizTypes = append(bizTypes, bt)
	}
	sort.Strings(bizTypes)

	tree := treeprint.NewWithRoot(fmt.Sprintf("policies (%d)", len(policies)))
	for _, bt := range bizTypes {
		branch := tree.AddBranch(bt)
		for _, p := range byBiz[bt] {
			state := "inactive"
			if p.Active {
				state = "active"
			}
			pb := branch.AddMetaBranch(state, p.ID)
			mode := string(p.Mode)
			if p.Mode == policy.ModeSample {
				mode = fmt.Sprintf("%s %.4g%%", p.Mode, p.Rate())
			}
			pb.AddMetaNode("mode", mode)
			pb.AddMetaNode("priority", p.Priority)
			pb.AddMetaNode("assignment", describeAssignment(p.Assignment))
			if p.SensitiveAction != "" {
				pb.AddMetaNode("sensitive", string(p.SensitiveAction))
			}
			if p.UpdatedBy != "" {
				pb.AddMetaNode("updated", fmt.Sprintf("%s by %s", p.UpdatedAt.Format("2006-01-02 15:04"), p.UpdatedBy))
			}
		}
	}
	return tree
}

func describeAssignment(a policy.Assignment) string {
	switch a.Type {
	case policy.AssignManual:
		return fmt.Sprintf("%s %s", a.Type, a.Assignee)
	case policy.AssignRole:
		return fmt.Sprintf("%s %s", a.Type, a.Role)
	case policy.AssignRoundRobin:
		return fmt.Sprintf("%s [%s]", a.Type, strings.Join(a.Reviewers, ", "))
	}
	return string(a.Type)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
