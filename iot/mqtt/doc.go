/*Package mqtt provides the MQTT front end of the hub.

Devices connect with their device id as client id, the user name

	{host}/{device_id}/?api-version={version}

and a shared access signature for {host}/devices/{device_id} as password. Only
devices registered by the provisioning service are accepted.

Device Twin

A device requests its twin by publishing to $iothub/twin/GET/?$rid={rid}. The broker
answers on $iothub/twin/res/200/?$rid={rid} with the desired and reported properties.
A patch of the reported properties is published to
$iothub/twin/PATCH/properties/reported/?$rid={rid} and answered with status 204 and the new
version. Desired properties are pushed to $iothub/twin/PATCH/properties/desired/?$version={v}
whenever they are updated via the REST API.

The broker publishes through the gmqtt publish service, which does not address single
clients. Twin responses and desired pushes therefore reach every device subscribed to the
twin topics. Devices match responses by $rid and ignore the others.

Telemetry

Telemetry is published to devices/{device_id}/messages/events/{property_bag} and passed
on to the routing sink. Devices may only publish to their own events topic.
*/
package mqtt
