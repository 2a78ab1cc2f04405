package commonregister

import (
	"context"

	"github.com/pkg/errors"

	"github.com/blingmoon/flowgraph/workflow"
)

const ApprovalWorkflowID = "approval_workflow"

// 提交 -> 审核 -> 判断,驳回时回到提交,最多两次
const approvalWorkflowYAML = `
id: approval_workflow
name: 审批工作流
nodes:
  - id: start
    type: start
  - id: submit
    name: 提交申请
    type: task
    config:
      prompt: "{{ variables.applicant }} 申请 {{ variables.amount }}"
  - id: review
    name: 审核
    type: human
  - id: check
    type: condition
    config:
      expression: "outputs.review.approved === true"
  - id: approve
    name: 批准
    type: notify
    config:
      channel: approval
      message: approved
  - id: end
    type: end
edges:
  - from: start
    to: submit
  - from: submit
    to: review
  - from: review
    to: check
  - from: check
    to: approve
    condition: "outputs.check.result"
  - id: resubmit
    from: check
    to: submit
    condition: "!outputs.check.result"
    maxLoops: 2
  - from: approve
    to: end
`

func ApprovalWorkflow() (*workflow.Definition, error) {
	return workflow.ParseDefinition([]byte(approvalWorkflowYAML))
}

func RegisterApprovalWorkflow(ctx context.Context, engine *workflow.Engine) error {
	def, err := ApprovalWorkflow()
	if err != nil {
		return errors.WithMessage(err, "parse approval workflow failed")
	}
	return errors.WithMessage(engine.RegisterWorkflow(ctx, def), "register approval workflow failed")
}
