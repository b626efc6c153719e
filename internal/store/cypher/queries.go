package cypher

// nodeReturn projects a :GraphNode bound to n.
const nodeReturn = `n.entity_type AS entity_type, n.external_id AS external_id,
	n.family_id AS family_id, n.node_type AS node_type, n.props AS props,
	n.version AS version, n.placeholder AS placeholder,
	n.created_at AS created_at, n.updated_at AS updated_at`

// relReturn projects a :LINK bound to r between a and b.
const relReturn = `r.rel_type AS rel_type,
	a.entity_type AS source_type, a.external_id AS source_id,
	b.entity_type AS target_type, b.external_id AS target_id,
	r.family_id AS family_id, r.props AS props, r.version AS version,
	r.owner_type AS owner_type, r.owner_id AS owner_id,
	r.created_at AS created_at, r.updated_at AS updated_at`

// relKeyMap renders the natural key of r as a map.
const relKeyMap = `{rel_type: r.rel_type,
	source_type: startNode(r).entity_type, source_id: startNode(r).external_id,
	target_type: endNode(r).entity_type, target_id: endNode(r).external_id}`

// upsertNodeQuery decides the outcome from the stored node and tombstone,
// then writes conditionally. Mismatched-family edges are captured before
// they are deleted.
const upsertNodeQuery = `
OPTIONAL MATCH (t:Tombstone {key: $key})
OPTIONAL MATCH (e:GraphNode {key: $key})
WITH t, e, CASE
	WHEN e IS NOT NULL AND e.version = $version THEN 'unchanged'
	WHEN (t IS NOT NULL AND t.version >= $version) OR (e IS NOT NULL AND e.version > $version) THEN 'stale'
	WHEN e IS NULL THEN 'created'
	ELSE 'updated'
END AS outcome
OPTIONAL MATCH (e)-[r:LINK]-()
WHERE outcome IN ['created', 'updated'] AND NOT $shared AND r.family_id <> $family_id
WITH t, outcome, collect(DISTINCT r) AS mismatched
WITH t, outcome, mismatched, [r IN mismatched | ` + relKeyMap + `] AS removed,
	CASE WHEN outcome IN ['created', 'updated'] THEN [1] ELSE [] END AS apply
FOREACH (_ IN apply |
	MERGE (n:GraphNode {key: $key})
	ON CREATE SET n.entity_type = $entity_type, n.external_id = $external_id, n.created_at = $now
	SET n.family_id = $family_id, n.node_type = $entity_type, n.props = $props,
		n.version = $version, n.placeholder = false, n.updated_at = $now
)
FOREACH (r IN mismatched | DELETE r)
FOREACH (_ IN CASE WHEN size(apply) > 0 AND t IS NOT NULL AND t.version < $version THEN [1] ELSE [] END | DELETE t)
RETURN outcome, removed`

// upsertRelQuery checks endpoints and the existing edge, then MERGEs
// placeholders and the edge when the write applies.
const upsertRelQuery = `
OPTIONAL MATCH (a:GraphNode {key: $source_key})
OPTIONAL MATCH (b:GraphNode {key: $target_key})
OPTIONAL MATCH (ta:Tombstone {key: $source_key})
OPTIONAL MATCH (tb:Tombstone {key: $target_key})
OPTIONAL MATCH (a)-[x:LINK {rel_type: $rel_type}]->(b)
WITH a, b, CASE
	WHEN (a IS NULL AND ta IS NOT NULL) OR (b IS NULL AND tb IS NOT NULL) THEN 'endpoint_deleted'
	WHEN (a IS NOT NULL AND a.family_id <> $source_family) OR (b IS NOT NULL AND b.family_id <> $target_family) THEN 'rejected'
	WHEN x IS NULL THEN 'created'
	WHEN x.version < $version THEN 'updated'
	ELSE 'unchanged'
END AS outcome
FOREACH (_ IN CASE WHEN outcome IN ['created', 'updated'] THEN [1] ELSE [] END |
	MERGE (s:GraphNode {key: $source_key})
	ON CREATE SET s.entity_type = $source_type, s.external_id = $source_id, s.family_id = $source_family,
		s.node_type = $unknown, s.props = '{}', s.version = 0, s.placeholder = true,
		s.created_at = $now, s.updated_at = $now
	MERGE (o:GraphNode {key: $target_key})
	ON CREATE SET o.entity_type = $target_type, o.external_id = $target_id, o.family_id = $target_family,
		o.node_type = $unknown, o.props = '{}', o.version = 0, o.placeholder = true,
		o.created_at = $now, o.updated_at = $now
	MERGE (s)-[l:LINK {rel_type: $rel_type}]->(o)
	ON CREATE SET l.created_at = $now
	SET l.family_id = $family_id, l.props = $props, l.version = $version,
		l.owner_type = $owner_type, l.owner_id = $owner_id, l.updated_at = $now
)
RETURN outcome,
	outcome IN ['created', 'updated'] AND a IS NULL AS source_placeholder,
	outcome IN ['created', 'updated'] AND b IS NULL AS target_placeholder,
	coalesce(a.family_id, '') AS source_family, coalesce(b.family_id, '') AS target_family`

// deleteNodeQuery removes the node and its edges and advances the tombstone.
const deleteNodeQuery = `
OPTIONAL MATCH (n:GraphNode {key: $key})
OPTIONAL MATCH (t:Tombstone {key: $key})
WITH n, t, CASE
	WHEN n IS NOT NULL AND n.version > $version THEN 'stale'
	WHEN n IS NULL THEN 'unchanged'
	ELSE 'deleted'
END AS outcome
OPTIONAL MATCH (n)-[r:LINK]-()
WHERE outcome = 'deleted'
WITH n, t, outcome, collect(DISTINCT r) AS rels
WITH n, t, outcome, [r IN rels | ` + relKeyMap + `] AS removed, coalesce(n.family_id, '') AS family
FOREACH (_ IN CASE WHEN outcome <> 'stale' AND (t IS NULL OR t.version < $version) THEN [1] ELSE [] END |
	MERGE (t2:Tombstone {key: $key})
	SET t2.entity_type = $entity_type, t2.external_id = $external_id, t2.family_id = family,
		t2.version = $version, t2.deleted_at = $now
)
FOREACH (_ IN CASE WHEN outcome = 'deleted' THEN [1] ELSE [] END | DETACH DELETE n)
RETURN outcome, removed, family`

const pruneOwnedQuery = `
MATCH ()-[r:LINK]->()
WHERE r.owner_type = $owner_type AND r.owner_id = $owner_id AND r.version < $version
WITH r, ` + relKeyMap + ` AS k
DELETE r
RETURN k.rel_type AS rel_type, k.source_type AS source_type, k.source_id AS source_id,
	k.target_type AS target_type, k.target_id AS target_id`

const getNodeQuery = `MATCH (n:GraphNode {key: $key}) RETURN ` + nodeReturn

const nodesByKeysQuery = `UNWIND $keys AS k MATCH (n:GraphNode {key: k}) RETURN ` + nodeReturn

const familyNodesQuery = `
MATCH (n:GraphNode {family_id: $family_id})
RETURN ` + nodeReturn + `
ORDER BY created_at DESC, entity_type, external_id`

const familyRelsQuery = `
MATCH (a:GraphNode)-[r:LINK {family_id: $family_id}]->(b:GraphNode)
RETURN ` + relReturn + `
ORDER BY created_at DESC, rel_type, source_type, source_id, target_type, target_id`

const listFamiliesQuery = `
MATCH (n:GraphNode) WHERE n.family_id <> '' RETURN DISTINCT n.family_id AS family_id
UNION
MATCH ()-[r:LINK]->() RETURN DISTINCT r.family_id AS family_id`

const placeholdersQuery = `
MATCH (n:GraphNode {placeholder: true})
WHERE n.created_at < $older_than
  AND (n.family_id = $family_id
    OR (n.family_id = '' AND EXISTS { MATCH (n)-[:LINK {family_id: $family_id}]-() }))
RETURN ` + nodeReturn + `
ORDER BY created_at, entity_type, external_id`
