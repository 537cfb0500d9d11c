package migrations

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/pressly/goose/v3"
	"gorm.io/datatypes"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	"gorm.io/gorm/schema"
)

func init() {
	goose.AddMigrationContext(upInit, downInit)
}

type Cluster struct {
	ID        uuid.UUID         `gorm:"type:uuid;primaryKey"`
	Name      string            `gorm:"type:text;uniqueIndex;not null"`
	EVCMode   string            `gorm:"type:text"`
	Meta      datatypes.JSONMap `gorm:"type:jsonb"`
	CreatedAt time.Time         `gorm:"type:timestamptz;not null;default:now();autoCreateTime"`
	UpdatedAt time.Time         `gorm:"type:timestamptz;not null;default:now();autoUpdateTime"`
}

type ServerGroup struct {
	ID        uuid.UUID `gorm:"type:uuid;primaryKey"`
	Name      string    `gorm:"type:text;not null"`
	CreatedAt time.Time `gorm:"type:timestamptz;not null;default:now();autoCreateTime"`
	UpdatedAt time.Time `gorm:"type:timestamptz;not null;default:now();autoUpdateTime"`
}

type Host struct {
	ID              uuid.UUID         `gorm:"type:uuid;primaryKey"`
	Hostname        string            `gorm:"type:text;uniqueIndex;not null"`
	ClusterID       *uuid.UUID        `gorm:"type:uuid;index"`
	GroupID         *uuid.UUID        `gorm:"type:uuid;index"`
	ConnectionState string            `gorm:"type:text;not null;default:'unknown'"`
	Model           string            `gorm:"type:text"`
	FirmwareInfo    datatypes.JSONMap `gorm:"type:jsonb"`
	CreatedAt       time.Time         `gorm:"type:timestamptz;not null;default:now();autoCreateTime"`
	UpdatedAt       time.Time         `gorm:"type:timestamptz;not null;default:now();autoUpdateTime"`
	Cluster         Cluster           `gorm:"foreignKey:ClusterID;references:ID;constraint:OnUpdate:CASCADE,OnDelete:SET NULL"`
	Group           ServerGroup       `gorm:"foreignKey:GroupID;references:ID;constraint:OnUpdate:CASCADE,OnDelete:SET NULL"`
}

type VM struct {
	ID         uuid.UUID         `gorm:"type:uuid;primaryKey"`
	HostID     uuid.UUID         `gorm:"type:uuid;not null;index"`
	Name       string            `gorm:"type:text;not null"`
	PowerState string            `gorm:"type:text;not null;default:'poweredOn'"`
	Placement  datatypes.JSONMap `gorm:"type:jsonb"`
	UpdatedAt  time.Time         `gorm:"type:timestamptz;not null;default:now();autoUpdateTime"`
	Host       Host              `gorm:"foreignKey:HostID;references:ID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE"`
}

type Job struct {
	ID          uuid.UUID         `gorm:"type:uuid;primaryKey"`
	JobType     string            `gorm:"type:text;not null;index"`
	Status      string            `gorm:"type:text;not null;default:'pending';index"`
	Target      datatypes.JSONMap `gorm:"type:jsonb"`
	Details     datatypes.JSONMap `gorm:"type:jsonb"`
	Priority    int               `gorm:"type:int;not null;default:0"`
	ParentJobID *uuid.UUID        `gorm:"type:uuid;index"`
	Phase       int               `gorm:"type:int;not null;default:0"`
	ScheduleAt  *time.Time        `gorm:"type:timestamptz;index"`
	ClaimedBy   string            `gorm:"type:text"`
	CreatedBy   string            `gorm:"type:text"`
	Logs        string            `gorm:"type:text"`
	CreatedAt   time.Time         `gorm:"type:timestamptz;not null;default:now();autoCreateTime"`
	StartedAt   *time.Time        `gorm:"type:timestamptz"`
	CompletedAt *time.Time        `gorm:"type:timestamptz"`
}

type JobTask struct {
	ID          uuid.UUID  `gorm:"type:uuid;primaryKey"`
	JobID       uuid.UUID  `gorm:"type:uuid;not null;index"`
	HostID      uuid.UUID  `gorm:"type:uuid;not null;index"`
	Status      string     `gorm:"type:text;not null;default:'pending'"`
	Progress    int        `gorm:"type:int;not null;default:0"`
	Logs        string     `gorm:"type:text"`
	CreatedAt   time.Time  `gorm:"type:timestamptz;not null;default:now();autoCreateTime"`
	StartedAt   *time.Time `gorm:"type:timestamptz"`
	CompletedAt *time.Time `gorm:"type:timestamptz"`
	Job         Job        `gorm:"foreignKey:JobID;references:ID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE"`
}

type WorkflowExecution struct {
	ID          uuid.UUID         `gorm:"type:uuid;primaryKey"`
	JobID       uuid.UUID         `gorm:"type:uuid;not null;index;uniqueIndex:ux_workflow_job_step"`
	ClusterName string            `gorm:"type:text"`
	HostID      *uuid.UUID        `gorm:"type:uuid;index"`
	StepNumber  int               `gorm:"type:int;not null;uniqueIndex:ux_workflow_job_step"`
	StepName    string            `gorm:"type:text;not null"`
	StepStatus  string            `gorm:"type:text;not null;default:'pending'"`
	Details     datatypes.JSONMap `gorm:"type:jsonb"`
	Error       string            `gorm:"type:text"`
	StartedAt   *time.Time        `gorm:"type:timestamptz"`
	CompletedAt *time.Time        `gorm:"type:timestamptz"`
	Job         Job               `gorm:"foreignKey:JobID;references:ID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE"`
}

type MaintenanceWindow struct {
	ID                uuid.UUID         `gorm:"type:uuid;primaryKey"`
	Title             string            `gorm:"type:text;not null"`
	MaintenanceType   string            `gorm:"type:text;not null"`
	PlannedStart      time.Time         `gorm:"type:timestamptz;not null;index"`
	PlannedEnd        *time.Time        `gorm:"type:timestamptz"`
	RecurrenceEnabled bool              `gorm:"type:bool;not null;default:false"`
	Recurrence        datatypes.JSONMap `gorm:"type:jsonb"`
	AutoExecute       bool              `gorm:"type:bool;not null;default:false"`
	Target            datatypes.JSONMap `gorm:"type:jsonb"`
	Details           datatypes.JSONMap `gorm:"type:jsonb"`
	Status            string            `gorm:"type:text;not null;default:'planned';index"`
	LastExecutedAt    *time.Time        `gorm:"type:timestamptz"`
	CreatedBy         string            `gorm:"type:text"`
	CreatedAt         time.Time         `gorm:"type:timestamptz;not null;default:now();autoCreateTime"`
	UpdatedAt         time.Time         `gorm:"type:timestamptz;not null;default:now();autoUpdateTime"`
}

type WindowJob struct {
	ID       int64     `gorm:"type:bigserial;primaryKey"`
	WindowID uuid.UUID `gorm:"type:uuid;not null;index"`
	JobID    uuid.UUID `gorm:"type:uuid;not null"`
	FiredAt  time.Time `gorm:"type:timestamptz;not null;default:now();autoCreateTime"`
}

type SafetyCheck struct {
	ID             int64     `gorm:"type:bigserial;primaryKey"`
	TargetKind     string    `gorm:"type:text;not null"`
	TargetName     string    `gorm:"type:text;not null;index"`
	HealthyCount   int       `gorm:"type:int;not null"`
	TotalCount     int       `gorm:"type:int;not null"`
	MinRequired    int       `gorm:"type:int;not null"`
	Safe           bool      `gorm:"type:bool;not null"`
	PreviousStatus *bool     `gorm:"type:bool"`
	StatusChanged  bool      `gorm:"type:bool;not null;default:false"`
	CreatedAt      time.Time `gorm:"type:timestamptz;not null;default:now();autoCreateTime"`
}

type BlockerResolution struct {
	ID             int64     `gorm:"type:bigserial;primaryKey"`
	HostID         uuid.UUID `gorm:"type:uuid;not null;index"`
	VMID           uuid.UUID `gorm:"type:uuid;not null"`
	VMName         string    `gorm:"type:text;not null"`
	Reason         string    `gorm:"type:text;not null"`
	ResolutionType string    `gorm:"type:text;not null"`
	ResolvedBy     string    `gorm:"type:text;not null"`
	Result         string    `gorm:"type:text"`
	CreatedAt      time.Time `gorm:"type:timestamptz;not null;default:now();autoCreateTime"`
}

type ExecutorHeartbeat struct {
	ExecutorID    string            `gorm:"type:text;primaryKey"`
	LastSeen      time.Time         `gorm:"type:timestamptz;not null"`
	JobsProcessed int64             `gorm:"type:bigint;not null;default:0"`
	Capabilities  datatypes.JSONMap `gorm:"type:jsonb"`
}

type Audit struct {
	ID      int64             `gorm:"type:bigserial;primaryKey"`
	Actor   string            `gorm:"type:text;not null"`
	Action  string            `gorm:"type:text;not null"`
	Obj     string            `gorm:"type:text"`
	Details datatypes.JSONMap `gorm:"type:jsonb"`
	At      time.Time         `gorm:"type:timestamptz;not null;default:now();autoCreateTime"`
}

func (Audit) TableName() string { return "audit" }

func upInit(ctx context.Context, tx *sql.Tx) error {
	gormDB, err := gorm.Open(postgres.New(postgres.Config{Conn: tx, PreferSimpleProtocol: true}), &gorm.Config{
		NamingStrategy: schema.NamingStrategy{SingularTable: false},
		Logger:         logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return err
	}

	if err := gormDB.WithContext(ctx).AutoMigrate(
		&Cluster{},
		&ServerGroup{},
		&Host{},
		&VM{},
		&Job{},
		&JobTask{},
		&WorkflowExecution{},
		&MaintenanceWindow{},
		&WindowJob{},
		&SafetyCheck{},
		&BlockerResolution{},
		&ExecutorHeartbeat{},
		&Audit{},
	); err != nil {
		return err
	}

	m := gormDB.WithContext(ctx).Migrator()
	if err := m.CreateConstraint(&Host{}, "Cluster"); err != nil {
		return err
	}
	if err := m.CreateConstraint(&Host{}, "Group"); err != nil {
		return err
	}
	if err := m.CreateConstraint(&VM{}, "Host"); err != nil {
		return err
	}
	if err := m.CreateConstraint(&JobTask{}, "Job"); err != nil {
		return err
	}
	if err := m.CreateConstraint(&WorkflowExecution{}, "Job"); err != nil {
		return err
	}

	return nil
}

func downInit(ctx context.Context, tx *sql.Tx) error {
	gormDB, err := gorm.Open(postgres.New(postgres.Config{Conn: tx, PreferSimpleProtocol: true}), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return err
	}

	return gormDB.WithContext(ctx).Migrator().DropTable(
		&Audit{},
		&ExecutorHeartbeat{},
		&BlockerResolution{},
		&SafetyCheck{},
		&WindowJob{},
		&MaintenanceWindow{},
		&WorkflowExecution{},
		&JobTask{},
		&Job{},
		&VM{},
		&Host{},
		&ServerGroup{},
		&Cluster{},
	)
}
