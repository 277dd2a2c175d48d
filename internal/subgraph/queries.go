package subgraph

const queryIndexer = `
query Indexer($id: String!) {
  indexer(id: $id) {
    id
    active
    controller
    capacity
    totalStake
    allocatedStake: allocatedAmount
  }
  unclaimed: eraRewards(filter: { indexerId: { equalTo: $id }, claimed: { equalTo: false } }) {
    aggregates { sum { amount } }
  }
}`

const queryAllocations = `
query Allocations($id: String!) {
  indexerAllocationSummaries(filter: { indexerId: { equalTo: $id }, totalAmount: { greaterThan: "0" } }) {
    nodes {
      deploymentId
      totalAmount
      deployment { projectId project { deploymentId } }
    }
  }
  deploymentIndexers(filter: { indexerId: { equalTo: $id }, status: { notEqualTo: TERMINATED } }) {
    nodes { deploymentId }
  }
}`

const queryWithdrawals = `
query Withdrawals($id: String!) {
  withdrawls(filter: { delegator: { equalTo: $id }, status: { equalTo: ONGOING } }, orderBy: START_TIME_ASC) {
    nodes { id amount startTime }
  }
  lockPeriod: cache(id: "lockPeriod") { value }
}`

const queryDelegations = `
query Delegations($id: String!) {
  delegations(filter: { delegatorId: { equalTo: $id } }) {
    nodes {
      indexerId
      amount
      indexer { active }
    }
  }
}`

const queryAgreements = `
query Agreements($consumer: String!, $now: Datetime!) {
  serviceAgreements(filter: { consumerAddress: { equalTo: $consumer }, endTime: { greaterThan: $now } }, orderBy: END_TIME_ASC) {
    nodes { id indexerAddress deploymentId startTime endTime }
  }
}`

const queryLatestEra = `
query LatestEra {
  eras(first: 1, orderBy: CREATED_BLOCK_DESC) {
    nodes { id startTime }
  }
}`
