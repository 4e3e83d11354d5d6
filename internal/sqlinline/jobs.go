package sqlinline

const QCreateGenerationJobs = `--sql fe5aa6ee-8375-47d5-893f-9ea8b12b56eb
create table if not exists generation_jobs (
    id uuid primary key,
    external_id text not null default '',
    owner_id text not null,
    state text not null,
    source_reference text not null,
    params jsonb not null default '{}'::jsonb,
    result_reference text not null default '',
    last_error text not null default '',
    stale boolean not null default false,
    version bigint not null default 1,
    created_at timestamptz not null default now(),
    updated_at timestamptz not null default now()
);
create unique index if not exists generation_jobs_external_id_key
    on generation_jobs (external_id) where external_id <> '';
create index if not exists generation_jobs_active_idx
    on generation_jobs (updated_at) where state not in ('Succeeded', 'Failed');
`

const QInsertGenerationJob = `--sql 99d08840-71f4-461b-8299-c9b055931871
insert into generation_jobs (
    id, external_id, owner_id, state, source_reference, params,
    result_reference, last_error, stale, version, created_at, updated_at
)
values ($1::uuid, $2, $3, $4, $5, $6::jsonb, $7, $8, $9, $10, $11, $12);
`

const QSelectGenerationJob = `--sql ea9a98a1-9f8a-487f-ab26-6c561cb52424
select id::text, external_id, owner_id, state, source_reference, params,
       result_reference, last_error, stale, version, created_at, updated_at
from generation_jobs
where id = $1::uuid;
`

// QUpdateGenerationJobState is a compare-and-swap on version; no row is
// returned when another writer got there first.
const QUpdateGenerationJobState = `--sql 533975c7-f0cb-4cf5-80ec-c33b50e024c2
update generation_jobs
set state = $3,
    result_reference = $4,
    last_error = $5,
    stale = $6,
    version = $7,
    updated_at = $8
where id = $1::uuid
  and version = $2
returning version;
`

const QListActiveGenerationJobs = `--sql 53bbd3cc-71f3-4fea-85e8-883a4d2c2665
select id::text, external_id, owner_id, state, source_reference, params,
       result_reference, last_error, stale, version, created_at, updated_at
from generation_jobs
where state not in ('Succeeded', 'Failed')
  and updated_at < $1
order by updated_at asc
limit $2;
`
