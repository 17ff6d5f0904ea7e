package policy

import "github.com/pesio-ai/be-governance-workflows/internal/repository"

// Amount thresholds in minor currency units.
const (
	HighAmountThreshold   int64 = 1_000_000_000 // 10,000,000.00
	MediumAmountThreshold int64 = 100_000_000   // 1,000,000.00

	HighAffectedRecords   = 100
	MediumAffectedRecords = 10
)

var criticalOperations = map[repository.OperationType]bool{
	repository.OpNAVCorrection:          true,
	repository.OpRegulatoryFilingSubmit: true,
	repository.OpChartOfAccountsChange:  true,
}

var highOperations = map[repository.OperationType]bool{
	repository.OpNAVPublish:            true,
	repository.OpBankAccountChange:     true,
	repository.OpFundDistribution:      true,
	repository.OpFundCapitalCall:       true,
	repository.OpRegulatoryFilingAmend: true,
}

// ClassifyRisk derives a risk tier. It is pure and deterministic; all
// thresholds are strict.
func ClassifyRisk(op repository.OperationType, payload repository.OperationPayload, preview *repository.ChangePreview) repository.RiskLevel {
	if criticalOperations[op] {
		return repository.RiskCritical
	}

	affected := 0
	if preview != nil {
		affected = preview.AffectedRecords
	}
	var amount int64
	if payload != nil {
		if a, ok := payload.MonetaryAmount(); ok {
			amount = a
		}
	}

	if highOperations[op] || affected > HighAffectedRecords || amount > HighAmountThreshold {
		return repository.RiskHigh
	}
	if affected > MediumAffectedRecords || amount > MediumAmountThreshold {
		return repository.RiskMedium
	}
	return repository.RiskLow
}
