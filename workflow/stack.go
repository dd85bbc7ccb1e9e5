package workflow

import (
	"github.com/bsm/redislock"
	"github.com/diging/edrop-connector/config"
	"github.com/diging/edrop-connector/edc"
	"github.com/diging/edrop-connector/fulfiller"
	"github.com/diging/edrop-connector/models"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// Stack is the engine wired on one database together with the stores and
// the scheduler that drive it. The server and the admin CLI share it.
type Stack struct {
	Ledger    *models.OrderLedger
	Logs      *models.LogManager
	Engine    *Engine
	Scheduler *ConfirmationScheduler
}

// NewStack builds a Stack. locker may be nil when Redis is not configured.
func NewStack(db *gorm.DB, settings config.Settings, locker *redislock.Client, events EventPublisher, logger *logrus.Logger) *Stack {
	if logger == nil {
		logger = config.GetLogger()
	}
	ledger := models.NewOrderLedger(db, settings.OrderNumberPrefix)
	logs := models.NewLogManager(db, logger)

	vendor := fulfiller.NewClient(settings.Fulfiller, settings.HTTPTimeout)
	vendor.Logger = logger
	edcClient := edc.NewClient(settings.EDC, settings.HTTPTimeout)
	edcClient.Logger = logger

	engine := NewEngine(ledger, logs, vendor, edcClient, events, OptionsFromSettings(settings.EDC))
	engine.Logger = logger

	return &Stack{
		Ledger:    ledger,
		Logs:      logs,
		Engine:    engine,
		Scheduler: NewConfirmationScheduler(engine, logs, locker, logger, settings.Scheduler),
	}
}
