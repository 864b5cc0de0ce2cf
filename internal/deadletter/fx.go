package deadletter

import (
	"github.com/smallbiznis/courier/internal/deadletter/domain"
	"github.com/smallbiznis/courier/internal/deadletter/repository"
	"github.com/smallbiznis/courier/internal/deadletter/service"
	outboxdomain "github.com/smallbiznis/courier/internal/outbox/domain"
	"go.uber.org/fx"
)

var Module = fx.Module("deadletter.service",
	fx.Provide(repository.Provide),
	fx.Provide(service.NewRecorder),
	fx.Provide(
		func(r *service.Recorder) outboxdomain.DeadLetterSink { return r },
		func(r *service.Recorder) domain.InboundRecorder { return r },
	),
	fx.Provide(service.New),
)
