package app

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/hitoshi/voicediary/internal/config"
	"github.com/hitoshi/voicediary/internal/link"
	"github.com/hitoshi/voicediary/internal/linkclient"
	"github.com/hitoshi/voicediary/internal/localstore"
	"github.com/hitoshi/voicediary/internal/model"
	"github.com/hitoshi/voicediary/internal/repository"
)

// クライアントモードの操作
const (
	opSubmit   = "submit"
	opMine     = "mine"
	opSync     = "sync"
	opUnbind   = "unbind"
	opBinding  = "binding"
	opPending  = "pending"
	opApprove  = "approve"
	opReject   = "reject"
	opChildren = "children"
	opReview   = "review"
)

// clientFlags はクライアントモードの引数。操作ごとに必要なものだけを参照する。
type clientFlags struct {
	parent string
	child  string
	name   string
	note   string
	id     string
	rid    string
}

func parseClientFlags(op string, args []string) (*clientFlags, error) {
	f := &clientFlags{}
	fs := flag.NewFlagSet(op, flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	fs.StringVar(&f.parent, "parent", "", "保護者のEmail")
	fs.StringVar(&f.child, "child", "", "子女のEmail")
	fs.StringVar(&f.name, "name", "", "子女の表示名")
	fs.StringVar(&f.note, "note", "", "保護者へのメッセージ")
	fs.StringVar(&f.id, "id", "", "紐付けリクエストID")
	fs.StringVar(&f.rid, "rid", "", "ディープリンクのリクエストID")
	if err := fs.Parse(args); err != nil {
		return nil, fmt.Errorf("invalid arguments for %s: %w", op, err)
	}
	return f, nil
}

// runClient はリモートAPIに対してクライアント操作を1回実行し、結果をJSONでwに出力する。
// 紐付け情報と審査待ち一覧のキャッシュは端末ローカルのSQLiteに保持する。
func runClient(ctx context.Context, w io.Writer, cfg *config.Config, args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("client operation is required")
	}
	op := args[0]
	flags, err := parseClientFlags(op, args[1:])
	if err != nil {
		return err
	}

	kv, err := localstore.OpenSQLite(ctx, cfg.SQLitePath)
	if err != nil {
		return fmt.Errorf("failed to open local store: %w", err)
	}
	defer kv.Close()

	logger := slog.Default()
	remote := linkclient.NewClient(cfg.APIBaseURL, cfg.APIToken, cfg.RemoteTimeout, logger).
		WithLatencyObserver(func(operation string, d time.Duration) {
			logger.Debug("remote call completed",
				slog.String("operation", operation),
				slog.Float64("duration_ms", float64(d.Microseconds())/1000),
			)
		})
	child := link.NewChildController(remote, repository.NewLocalBindingRepo(kv, logger, nil))

	result, err := execClientOp(ctx, op, flags, remote, child, link.NewPendingCache(remote, kv, logger))
	if err != nil {
		return err
	}

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(result)
}

func execClientOp(
	ctx context.Context,
	op string,
	f *clientFlags,
	remote *linkclient.Client,
	child *link.ChildController,
	pending *link.PendingCache,
) (any, error) {
	switch op {
	case opSubmit:
		req, err := child.Submit(ctx, model.NewLinkRequest{
			ParentEmail: f.parent,
			ChildEmail:  f.child,
			ChildName:   f.name,
			Note:        f.note,
		})
		if err != nil {
			return nil, err
		}
		return toRequestOutput(*req), nil

	case opMine:
		list, err := child.RefreshMine(ctx, f.child)
		if err != nil {
			return nil, err
		}
		return toRequestOutputs(list), nil

	case opSync:
		b, err := child.SyncBinding(ctx, f.child)
		if err != nil {
			return nil, err
		}
		return toBindingOutput(b), nil

	case opUnbind:
		if err := child.Unbind(ctx, f.child); err != nil {
			return nil, err
		}
		return toBindingOutput(nil), nil

	case opBinding:
		b, err := child.CurrentBinding(ctx, f.child)
		if err != nil {
			return nil, err
		}
		return toBindingOutput(b), nil

	case opPending:
		if link.NormalizeEmail(f.parent) == "" {
			return nil, model.NewValidationError("parent", "parent は必須です。")
		}
		res, err := pending.Refresh(ctx, f.parent)
		if err != nil {
			return nil, err
		}
		out := pendingOutput{Requests: toRequestOutputs(res.Requests), Stale: res.Stale}
		if res.Stale {
			out.CachedAt = res.CachedAt.UnixMilli()
			out.Cause = res.Cause.Error()
		}
		return out, nil

	case opApprove, opReject:
		if f.id == "" {
			return nil, model.NewValidationError("id", "id は必須です。")
		}
		resolve := remote.Approve
		if op == opReject {
			resolve = remote.Reject
		}
		req, err := resolve(ctx, f.id)
		if err != nil {
			return nil, err
		}
		return toRequestOutput(*req), nil

	case opChildren:
		if link.NormalizeEmail(f.parent) == "" {
			return nil, model.NewValidationError("parent", "parent は必須です。")
		}
		list, err := remote.ListLinked(ctx, f.parent)
		if err != nil {
			return nil, err
		}
		out := make([]linkedChildOutput, 0, len(list))
		for _, c := range list {
			out = append(out, linkedChildOutput{
				ChildEmail: c.ChildEmail,
				ChildName:  c.ChildName,
				LinkedAt:   c.LinkedAt.UnixMilli(),
			})
		}
		return out, nil

	case opReview:
		if f.rid == "" {
			return nil, model.NewValidationError("rid", "rid は必須です。")
		}
		req, err := remote.Review(ctx, f.parent, f.rid)
		if err != nil {
			return nil, err
		}
		return toRequestOutput(*req), nil

	default:
		return nil, fmt.Errorf("unknown client operation: %q", op)
	}
}

type requestOutput struct {
	ID          string `json:"id"`
	ParentEmail string `json:"parentEmail"`
	ChildEmail  string `json:"childEmail"`
	ChildName   string `json:"childName,omitempty"`
	Note        string `json:"note,omitempty"`
	CreatedAt   int64  `json:"createdAt"`
	Status      string `json:"status"`
}

type linkedChildOutput struct {
	ChildEmail string `json:"childEmail"`
	ChildName  string `json:"childName"`
	LinkedAt   int64  `json:"linkedAt"`
}

type bindingOutput struct {
	Bound       bool   `json:"bound"`
	ParentName  string `json:"parentName,omitempty"`
	ParentEmail string `json:"parentEmail,omitempty"`
}

type pendingOutput struct {
	Requests []requestOutput `json:"requests"`
	Stale    bool            `json:"stale"`
	CachedAt int64           `json:"cachedAt,omitempty"`
	Cause    string          `json:"cause,omitempty"`
}

func toRequestOutput(r model.LinkRequest) requestOutput {
	return requestOutput{
		ID:          r.ID,
		ParentEmail: r.ParentEmail,
		ChildEmail:  r.ChildEmail,
		ChildName:   r.ChildName,
		Note:        r.Note,
		CreatedAt:   r.CreatedAt.UnixMilli(),
		Status:      string(r.Status),
	}
}

func toRequestOutputs(list []model.LinkRequest) []requestOutput {
	out := make([]requestOutput, 0, len(list))
	for _, r := range list {
		out = append(out, toRequestOutput(r))
	}
	return out
}

func toBindingOutput(b *model.Binding) bindingOutput {
	if b == nil {
		return bindingOutput{}
	}
	return bindingOutput{Bound: true, ParentName: b.ParentName, ParentEmail: b.ParentEmail}
}
