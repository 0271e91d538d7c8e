package database

const schema = `
CREATE TABLE IF NOT EXISTS users (
    id UUID PRIMARY KEY,
    email TEXT NOT NULL UNIQUE,
    password_hash TEXT NOT NULL,
    credits_balance INTEGER NOT NULL DEFAULT 0 CHECK (credits_balance >= 0),
    created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS jobs (
    id UUID PRIMARY KEY,
    user_id UUID NOT NULL REFERENCES users(id),
    status TEXT NOT NULL CHECK (status IN ('QUEUED', 'RUNNING', 'SUCCEEDED', 'FAILED')),
    input_ref TEXT NOT NULL,
    output_ref TEXT,
    params JSONB NOT NULL,
    cost_credits INTEGER NOT NULL CHECK (cost_credits >= 0),
    error_text TEXT,
    lease_owner TEXT,
    lease_expires_at TIMESTAMPTZ,
    attempts INTEGER NOT NULL DEFAULT 0,
    created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS jobs_user_created_idx ON jobs (user_id, created_at DESC);

CREATE TABLE IF NOT EXISTS credit_ledger (
    id UUID PRIMARY KEY,
    user_id UUID NOT NULL REFERENCES users(id),
    job_id UUID REFERENCES jobs(id),
    delta_credits INTEGER NOT NULL,
    reason TEXT NOT NULL,
    provider TEXT,
    external_id TEXT,
    created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    CHECK ((provider IS NULL) = (external_id IS NULL))
);

CREATE UNIQUE INDEX IF NOT EXISTS credit_ledger_job_reason_uq
    ON credit_ledger (job_id, reason) WHERE job_id IS NOT NULL;
CREATE UNIQUE INDEX IF NOT EXISTS credit_ledger_provider_external_uq
    ON credit_ledger (provider, external_id) WHERE provider IS NOT NULL;
CREATE INDEX IF NOT EXISTS credit_ledger_user_created_idx ON credit_ledger (user_id, created_at DESC);

CREATE TABLE IF NOT EXISTS webhook_events (
    id UUID PRIMARY KEY,
    provider TEXT NOT NULL,
    event_id TEXT NOT NULL,
    received_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    processed_at TIMESTAMPTZ,
    payload JSONB,
    UNIQUE (provider, event_id)
);
`
