package postgres

const queryInsertArea = `
INSERT INTO areas (
    id, user_id,
    action_service, action_name, action_config,
    reaction_service, reaction_name, reaction_config,
    status, created_at, updated_at
)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
`

const queryGetArea = `
SELECT
    id, user_id,
    action_service, action_name, action_config,
    reaction_service, reaction_name, reaction_config,
    status, created_at, updated_at
FROM areas
WHERE id = $1
`

const queryListAreas = `
SELECT
    id, user_id,
    action_service, action_name, action_config,
    reaction_service, reaction_name, reaction_config,
    status, created_at, updated_at
FROM areas
WHERE user_id = $1
ORDER BY created_at DESC
LIMIT $2 OFFSET $3
`

const queryListActiveAreasByActionService = `
SELECT
    id, user_id,
    action_service, action_name, action_config,
    reaction_service, reaction_name, reaction_config,
    status, created_at, updated_at
FROM areas
WHERE status = 'active'
  AND action_service = $1
ORDER BY created_at ASC
`

const queryListActiveAreasBySubject = `
SELECT
    id, user_id,
    action_service, action_name, action_config,
    reaction_service, reaction_name, reaction_config,
    status, created_at, updated_at
FROM areas
WHERE status = 'active'
  AND action_service = $1
  AND action_config->>'subject' = $2
ORDER BY created_at ASC
`

const querySetAreaStatus = `
UPDATE areas
SET status = $2, updated_at = NOW()
WHERE id = $1
`

const queryDeleteArea = `
WITH deleted_executions AS (
    DELETE FROM executions WHERE area_id = $1
)
DELETE FROM areas WHERE id = $1
RETURNING id`

const queryInsertExecution = `
INSERT INTO executions (
    id, area_id, external_event_id, trigger_payload,
    status, retry_count, created_at, error_message
)
VALUES ($1, $2, $3, $4, $5, $6, $7, '')
`

const queryGetExecution = `
SELECT
    id, area_id, external_event_id, trigger_payload,
    status, retry_count, created_at, started_at, completed_at,
    result_payload, error_message
FROM executions
WHERE id = $1
`

const queryFindExecutionByEvent = `
SELECT
    id, area_id, external_event_id, trigger_payload,
    status, retry_count, created_at, started_at, completed_at,
    result_payload, error_message
FROM executions
WHERE area_id = $1 AND external_event_id = $2
`

const queryStartExecution = `
UPDATE executions
SET status = 'running',
    started_at = COALESCE(started_at, $2)
WHERE id = $1
  AND status = 'pending'
`

const queryCompleteExecution = `
UPDATE executions
SET status = $2,
    result_payload = $3,
    error_message = $4,
    completed_at = COALESCE(completed_at, $5)
WHERE id = $1
  AND status NOT IN ('success', 'failed', 'skipped')
`

const queryIncrementRetry = `
UPDATE executions
SET retry_count = retry_count + 1
WHERE id = $1
  AND status NOT IN ('success', 'failed', 'skipped')
RETURNING retry_count
`

const queryRequeueExecution = `
UPDATE executions
SET status = 'pending',
    retry_count = retry_count + 1
WHERE id = $1
  AND status = 'running'
`

const queryGetExecutionStatus = `
SELECT status FROM executions WHERE id = $1
`

const queryListExecutionsByArea = `
SELECT
    id, area_id, external_event_id, trigger_payload,
    status, retry_count, created_at, started_at, completed_at,
    result_payload, error_message
FROM executions
WHERE area_id = $1
ORDER BY created_at DESC
LIMIT $2 OFFSET $3
`

const queryListStaleRunning = `
SELECT
    id, area_id, external_event_id, trigger_payload,
    status, retry_count, created_at, started_at, completed_at,
    result_payload, error_message
FROM executions
WHERE status = 'running'
  AND started_at < $1
ORDER BY started_at ASC
LIMIT $2
`

const queryListOrphanedPending = `
SELECT
    id, area_id, external_event_id, trigger_payload,
    status, retry_count, created_at, started_at, completed_at,
    result_payload, error_message
FROM executions
WHERE status = 'pending'
  AND created_at < $1
ORDER BY created_at ASC
LIMIT $2
`

const queryDeleteTerminalExecutions = `
DELETE FROM executions
WHERE status = ANY($1)
  AND completed_at < $2
`

const queryGetToken = `
SELECT user_id, service, access_token, refresh_token, expires_at,
       revoked, needs_reauth, updated_at
FROM service_tokens
WHERE user_id = $1 AND service = $2
`

const querySaveToken = `
INSERT INTO service_tokens (
    user_id, service, access_token, refresh_token, expires_at,
    revoked, needs_reauth, updated_at
)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
ON CONFLICT (user_id, service) DO UPDATE SET
    access_token = EXCLUDED.access_token,
    refresh_token = EXCLUDED.refresh_token,
    expires_at = EXCLUDED.expires_at,
    revoked = EXCLUDED.revoked,
    needs_reauth = EXCLUDED.needs_reauth,
    updated_at = EXCLUDED.updated_at
`

const queryDeleteToken = `
DELETE FROM service_tokens WHERE user_id = $1 AND service = $2
`

const queryFindWatch = `
SELECT id, user_id, service, subject, channel_id, resource_id, resource_uri,
       expires_at, stale, created_at, updated_at
FROM webhook_watches
WHERE user_id = $1 AND service = $2 AND subject = $3
`

const queryInsertWatch = `
INSERT INTO webhook_watches (
    id, user_id, service, subject, channel_id, resource_id, resource_uri,
    expires_at, stale, created_at, updated_at
)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
`

const queryUpdateWatch = `
UPDATE webhook_watches
SET channel_id = $2,
    resource_id = $3,
    resource_uri = $4,
    expires_at = $5,
    stale = $6,
    updated_at = $7
WHERE id = $1
`

const queryDeleteWatch = `
DELETE FROM webhook_watches WHERE id = $1
`

const queryListWatchesExpiringBefore = `
SELECT id, user_id, service, subject, channel_id, resource_id, resource_uri,
       expires_at, stale, created_at, updated_at
FROM webhook_watches
WHERE expires_at < $1
ORDER BY expires_at ASC
LIMIT $2
`
