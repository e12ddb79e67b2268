package delivery

import (
	"context"

	"monunotify/internal/notification"
	logx "monunotify/pkg/logx"
)

// Presenter is the local presentation surface (banner, toast, inbox feed).
type Presenter interface {
	Present(ctx context.Context, n notification.Notification) error
}

// PresenterFunc adapts a function to Presenter.
type PresenterFunc func(ctx context.Context, n notification.Notification) error

func (f PresenterFunc) Present(ctx context.Context, n notification.Notification) error {
	return f(ctx, n)
}

// LogPresenter "shows" notifications by logging them. It is the surface used
// by the daemon, where clients pull their inbox.
type LogPresenter struct {
	Log logx.Logger
}

func (p LogPresenter) Present(_ context.Context, n notification.Notification) error {
	p.Log.Info("notification presented",
		logx.String("id", n.ID),
		logx.String("user", n.UserID),
		logx.String("category", string(n.Category)),
		logx.String("title", n.Title),
	)
	return nil
}

// Pusher hands a delivered notification to the remote push pipeline.
// Enqueue must not block; false means the notification was dropped.
type Pusher interface {
	Enqueue(n notification.Notification) bool
}
