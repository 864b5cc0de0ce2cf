package providers

import (
	"github.com/smallbiznis/courier/internal/providers/email"
	"github.com/smallbiznis/courier/internal/providers/exportwebhook"
	"github.com/smallbiznis/courier/internal/providers/pdf"
	"github.com/smallbiznis/courier/internal/providers/sms"
	"go.uber.org/fx"
)

var Module = fx.Module("providers",
	email.Module,
	sms.Module,
	exportwebhook.Module,
	pdf.Module,
)
