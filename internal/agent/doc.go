// Package agent holds the company's hired agents and the runtime that invokes
// them. The Directory maps roles to agents; the Runtime runs one task through
// the bounded tool loop (delegate_task, request_payment, report_result) and
// offers single-shot completions for planning and review prompts. Every model
// call is priced and recorded in the cost ledger.
package agent
