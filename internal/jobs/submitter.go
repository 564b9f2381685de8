package jobs

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"
)

// 種別ごとに必須のターゲットキー。
var requiredTargets = map[Type][]string{
	TypeBackup:          {"client", "subclient"},
	TypeRestore:         {"client", "subclient"},
	TypeAuxCopy:         {"storagePolicy"},
	TypeDDBVerification: {"storagePolicy"},
	TypeInstall:         {"client"},
	TypeDataAging:       {},
}

// RejectionError は同期的な拒否をリモート側が表現するためのインターフェースです。
type RejectionError interface {
	error
	RejectionCode() string
	RejectionReason() string
}

// Submitter は操作をサーバーへ投入し、ジョブハンドルを返します。
type Submitter struct {
	control Control
	logger  *logrus.Entry
}

// NewSubmitter は Submitter を作成します。
func NewSubmitter(control Control, logger *logrus.Entry) *Submitter {
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Submitter{control: control, logger: logger}
}

// Submit は操作を一度だけ投入します。拒否された場合は *SubmissionError を返し、再試行はしません。
// サーバーに到達できないなどの通信エラーは SubmissionError にせず、ラップして返します。
func (s *Submitter) Submit(ctx context.Context, op Operation) (*Job, error) {
	if err := validateOperation(op); err != nil {
		return nil, err
	}
	log := s.logger.WithField("job_type", op.Type)

	jobID, err := s.control.Submit(ctx, op)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		var rej RejectionError
		if !errors.As(err, &rej) {
			log.WithError(err).Error("failed to reach job-control api")
			return nil, fmt.Errorf("submit %s: %w", op.Type, err)
		}
		subErr := &SubmissionError{Operation: op.Type, Code: rej.RejectionCode(), Reason: rej.RejectionReason()}
		log.WithError(subErr).Error("server rejected operation")
		return nil, subErr
	}
	if strings.TrimSpace(jobID) == "" {
		return nil, &SubmissionError{Operation: op.Type, Code: "EMPTY_JOB_ID", Reason: "server returned an empty job id"}
	}

	job, err := Attach(s.control, jobID, op.Type)
	if err != nil {
		return nil, err
	}
	log.WithField("job_id", jobID).Info("operation submitted")
	return job, nil
}

func validateOperation(op Operation) error {
	if strings.TrimSpace(string(op.Type)) == "" {
		return &SubmissionError{Operation: op.Type, Code: "INVALID_INPUT", Reason: "operation type is required"}
	}
	for _, key := range requiredTargets[op.Type] {
		if strings.TrimSpace(op.Target[key]) == "" {
			return &SubmissionError{
				Operation: op.Type,
				Code:      "INVALID_INPUT",
				Reason:    fmt.Sprintf("target %q is required", key),
			}
		}
	}
	return nil
}

// BackupOperation はバックアップ操作を作成します。level は full / incremental / differential / synthetic_full です。
func BackupOperation(client, subclient, level string) Operation {
	if level == "" {
		level = "incremental"
	}
	return Operation{
		Type:    TypeBackup,
		Target:  map[string]string{"client": client, "subclient": subclient},
		Options: map[string]any{"backup_level": level},
	}
}

// RestoreOperation はリストア操作を作成します。
func RestoreOperation(client, subclient, destination string, paths []string, inPlace bool) Operation {
	target := map[string]string{"client": client, "subclient": subclient}
	if destination != "" {
		target["destinationClient"] = destination
	}
	return Operation{
		Type:    TypeRestore,
		Target:  target,
		Options: map[string]any{"paths": paths, "in_place": inPlace},
	}
}

// AuxCopyOperation は補助コピー操作を作成します。copyName が空なら全コピーを対象にします。
func AuxCopyOperation(storagePolicy, copyName string, useScale bool) Operation {
	target := map[string]string{"storagePolicy": storagePolicy}
	if copyName != "" {
		target["copy"] = copyName
	}
	return Operation{
		Type:   TypeAuxCopy,
		Target: target,
		Options: map[string]any{
			"use_scale":  useScale,
			"all_copies": copyName == "",
		},
	}
}

// DDBVerificationOperation は重複排除DBの検証操作を作成します。
func DDBVerificationOperation(storagePolicy, copyName, level string) Operation {
	if level == "" {
		level = "incremental"
	}
	target := map[string]string{"storagePolicy": storagePolicy}
	if copyName != "" {
		target["copy"] = copyName
	}
	return Operation{
		Type:    TypeDDBVerification,
		Target:  target,
		Options: map[string]any{"verification_level": level, "use_scale": true},
	}
}

// InstallOperation はクライアントへのパッケージ導入操作を作成します。
func InstallOperation(client string, packages []int, rebootIfRequired bool) Operation {
	return Operation{
		Type:    TypeInstall,
		Target:  map[string]string{"client": client},
		Options: map[string]any{"packages": packages, "reboot_if_required": rebootIfRequired},
	}
}

// DataAgingOperation はデータエージング操作を作成します。storagePolicy が空なら全体が対象です。
func DataAgingOperation(storagePolicy string) Operation {
	target := map[string]string{}
	if storagePolicy != "" {
		target["storagePolicy"] = storagePolicy
	}
	return Operation{Type: TypeDataAging, Target: target}
}

// WithOption は操作にオプションを追加したコピーを返します。
func (op Operation) WithOption(key string, value any) Operation {
	opts := make(map[string]any, len(op.Options)+1)
	for k, v := range op.Options {
		opts[k] = v
	}
	opts[key] = value
	op.Options = opts
	return op
}
